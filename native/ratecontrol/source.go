package ratecontrol

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Sample is one reading from an input and error source.
type Sample struct {
	Input *big.Int
	Error *big.Int
	// Timestamp is the unix second the reading refers to. Zero means the
	// source does not report freshness and the reading is taken as current.
	Timestamp uint32
	// Halt asks the controller to pause the entity after this update.
	Halt bool
}

// Source supplies controller samples for an entity.
type Source interface {
	Fetch(ctx context.Context, entity common.Address) (Sample, error)
}

// SourceFunc adapts a function into a Source.
type SourceFunc func(ctx context.Context, entity common.Address) (Sample, error)

// Fetch implements Source.
func (f SourceFunc) Fetch(ctx context.Context, entity common.Address) (Sample, error) {
	return f(ctx, entity)
}

// PauseHook is notified after a pause edge has been committed. Errors are
// logged and counted; they never undo the transition.
type PauseHook interface {
	OnPauseChanged(ctx context.Context, entity common.Address, paused bool) error
}

// PauseHookFunc adapts a function into a PauseHook.
type PauseHookFunc func(ctx context.Context, entity common.Address, paused bool) error

// OnPauseChanged implements PauseHook.
func (f PauseHookFunc) OnPauseChanged(ctx context.Context, entity common.Address, paused bool) error {
	return f(ctx, entity, paused)
}

// Caller identifies who triggered an operation. Origin is the account that
// initiated a relayed request; it is zero for direct calls.
type Caller struct {
	Address common.Address
	Origin  common.Address
}

// Direct returns a caller acting on its own behalf.
func Direct(addr common.Address) Caller {
	return Caller{Address: addr}
}

// Relayed reports whether the call was forwarded for a different account.
func (c Caller) Relayed() bool {
	return c.Origin != (common.Address{}) && c.Origin != c.Address
}

package events

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"ratecontrol/core/types"
)

const (
	TypeRateUpdated     = "rates.updated"
	TypeRatePushed      = "rates.pushed"
	TypePauseChanged    = "rates.pause_changed"
	TypeConfigUpdated   = "rates.config_updated"
	TypeCapacityChanged = "rates.capacity_changed"
)

// RateUpdated is emitted after a controller step has been committed.
type RateUpdated struct {
	Entity    common.Address
	Caller    common.Address
	Target    uint64
	Current   uint64
	Timestamp uint32
	// Raw is the unclamped controller output.
	Raw       *big.Int
	Saturated bool
}

func (RateUpdated) EventType() string { return TypeRateUpdated }

func (e RateUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeRateUpdated,
		Time: int64(e.Timestamp),
		Attributes: map[string]string{
			"entity":    formatIdentity(e.Entity),
			"caller":    formatIdentity(e.Caller),
			"target":    uintToString(e.Target),
			"current":   uintToString(e.Current),
			"timestamp": uintToString(uint64(e.Timestamp)),
			"raw":       formatAmount(e.Raw),
			"saturated": strconv.FormatBool(e.Saturated),
		},
	}
}

// RatePushed is emitted when an administrator writes rates directly.
type RatePushed struct {
	Entity    common.Address
	Caller    common.Address
	Target    uint64
	Current   uint64
	Amount    uint16
	Timestamp uint32
}

func (RatePushed) EventType() string { return TypeRatePushed }

func (e RatePushed) Event() *types.Event {
	return &types.Event{
		Type: TypeRatePushed,
		Time: int64(e.Timestamp),
		Attributes: map[string]string{
			"entity":  formatIdentity(e.Entity),
			"caller":  formatIdentity(e.Caller),
			"target":  uintToString(e.Target),
			"current": uintToString(e.Current),
			"amount":  uintToString(uint64(e.Amount)),
		},
	}
}

// PauseChanged is emitted on every pause edge.
type PauseChanged struct {
	Entity common.Address
	Caller common.Address
	Paused bool
	// Reason is "manual" for administrative toggles and "halt" when the input
	// source requested the pause.
	Reason    string
	Timestamp uint32
}

func (PauseChanged) EventType() string { return TypePauseChanged }

func (e PauseChanged) Event() *types.Event {
	return &types.Event{
		Type: TypePauseChanged,
		Time: int64(e.Timestamp),
		Attributes: map[string]string{
			"entity": formatIdentity(e.Entity),
			"caller": formatIdentity(e.Caller),
			"paused": strconv.FormatBool(e.Paused),
			"reason": e.Reason,
		},
	}
}

type ConfigUpdated struct {
	Entity common.Address
	Caller common.Address
}

func (ConfigUpdated) EventType() string { return TypeConfigUpdated }

func (e ConfigUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeConfigUpdated,
		Attributes: map[string]string{
			"entity": formatIdentity(e.Entity),
			"caller": formatIdentity(e.Caller),
		},
	}
}

type CapacityChanged struct {
	Entity   common.Address
	Caller   common.Address
	Capacity uint16
}

func (CapacityChanged) EventType() string { return TypeCapacityChanged }

func (e CapacityChanged) Event() *types.Event {
	return &types.Event{
		Type: TypeCapacityChanged,
		Attributes: map[string]string{
			"entity":   formatIdentity(e.Entity),
			"caller":   formatIdentity(e.Caller),
			"capacity": uintToString(uint64(e.Capacity)),
		},
	}
}

package ratecontrol

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	coreerrors "ratecontrol/core/errors"
	"ratecontrol/native/pid"
	"ratecontrol/native/ratebuffer"
)

// EntityState is the lifecycle position of an entity.
type EntityState uint8

const (
	StateUninitialized EntityState = iota
	StateActive
	StatePaused
)

func (s EntityState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	default:
		return "uninitialized"
	}
}

// Status is a consistent snapshot of one entity.
type Status struct {
	Entity   common.Address
	State    EntityState
	Capacity uint16
	Count    uint16
	// Full is set once the next push overwrites the oldest rate.
	Full        bool
	Latest      *ratebuffer.Rate
	NeedsUpdate bool
	Config      EntityConfig
}

func (c *Controller) read(entity common.Address, fn func(*ratebuffer.Store) error) error {
	l := c.lock(entity)
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fn(ratebuffer.NewStore(c.backend))
}

// LatestRate returns the most recent rate.
func (c *Controller) LatestRate(entity common.Address) (ratebuffer.Rate, error) {
	var out ratebuffer.Rate
	err := c.read(entity, func(s *ratebuffer.Store) (err error) {
		out, err = s.Latest(entity)
		return err
	})
	return out, err
}

// RateAt returns the rate index observations before the latest.
func (c *Controller) RateAt(entity common.Address, index int) (ratebuffer.Rate, error) {
	var out ratebuffer.Rate
	err := c.read(entity, func(s *ratebuffer.Store) (err error) {
		out, err = s.At(entity, index)
		return err
	})
	return out, err
}

// Rates returns amount rates starting offset back from the latest, stepping
// increment observations each time. Newest first.
func (c *Controller) Rates(entity common.Address, amount, offset, increment int) ([]ratebuffer.Rate, error) {
	var out []ratebuffer.Rate
	err := c.read(entity, func(s *ratebuffer.Store) (err error) {
		out, err = s.Range(entity, amount, offset, increment)
		return err
	})
	return out, err
}

func (c *Controller) RatesCount(entity common.Address) (uint16, error) {
	var out uint16
	err := c.read(entity, func(s *ratebuffer.Store) (err error) {
		out, err = s.Count(entity)
		return err
	})
	return out, err
}

func (c *Controller) RatesCapacity(entity common.Address) (uint16, error) {
	var out uint16
	err := c.read(entity, func(s *ratebuffer.Store) (err error) {
		out, err = s.Capacity(entity)
		return err
	})
	return out, err
}

// LastUpdateTime returns the timestamp of the latest rate.
func (c *Controller) LastUpdateTime(entity common.Address) (uint32, error) {
	latest, err := c.LatestRate(entity)
	if err != nil {
		return 0, err
	}
	return latest.Timestamp, nil
}

// TimeSinceLastUpdate returns the seconds elapsed since the latest rate. A
// clock behind the latest timestamp reports zero.
func (c *Controller) TimeSinceLastUpdate(entity common.Address) (uint64, error) {
	last, err := c.LastUpdateTime(entity)
	if err != nil {
		return 0, err
	}
	now := c.now().Unix()
	if now <= int64(last) {
		return 0, nil
	}
	return uint64(now - int64(last)), nil
}

// PidState returns the stored controller memory for diagnostics.
func (c *Controller) PidState(entity common.Address) (pid.State, error) {
	l := c.lock(entity)
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok, err := pid.NewStore(c.backend).Get(entity)
	if err != nil {
		return pid.State{}, err
	}
	if !ok {
		return pid.State{}, fmt.Errorf("ratecontrol: no controller state for %s: %w", entity.Hex(), coreerrors.ErrNotFound)
	}
	return st, nil
}

// Status returns a snapshot of the entity taken under its read lock.
func (c *Controller) Status(entity common.Address) (Status, error) {
	l := c.lock(entity)
	l.mu.RLock()
	defer l.mu.RUnlock()

	cfg := c.Config(entity)
	out := Status{Entity: entity, Config: cfg}
	buffer := ratebuffer.NewStore(c.backend)
	meta, ok, err := buffer.Metadata(entity)
	if err != nil {
		return Status{}, err
	}
	if !ok {
		out.NeedsUpdate = true
		return out, nil
	}
	out.State = StateActive
	if meta.Paused {
		out.State = StatePaused
	}
	out.Capacity = meta.Capacity
	out.Count = meta.Length
	out.Full = meta.Full()
	if meta.Length > 0 {
		latest, err := buffer.Latest(entity)
		if err != nil {
			return Status{}, err
		}
		out.Latest = &latest
	}
	due, err := c.needsUpdateLocked(entity, cfg, c.now())
	if err != nil {
		return Status{}, err
	}
	out.NeedsUpdate = due
	return out, nil
}

package ratecontrol

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	coreerrors "ratecontrol/core/errors"
	"ratecontrol/core/events"
	"ratecontrol/native/access"
	"ratecontrol/native/ratebuffer"
)

// SetConfig stores a configuration override for the entity. Requires the
// rate admin role.
func (c *Controller) SetConfig(caller, entity common.Address, cfg EntityConfig) error {
	if err := c.gate.RequireRole(caller, access.RoleRateAdmin); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	l := c.lock(entity)
	l.mu.Lock()
	defer l.mu.Unlock()

	journal := c.backend.Begin()
	defer journal.Discard()
	if err := journal.KVPut(configKey(entity), encodeConfig(cfg)); err != nil {
		return fmt.Errorf("ratecontrol: stage config: %w", err)
	}
	if err := c.commit(journal, entity); err != nil {
		return err
	}
	c.mu.Lock()
	c.overrides[entity] = cfg.Clone()
	c.mu.Unlock()

	c.emitter.Emit(events.ConfigUpdated{Entity: entity, Caller: caller})
	c.logger.Info("entity config updated", slog.String("entity", entity.Hex()), slog.String("caller", caller.Hex()))
	return nil
}

// SetUpdatesPaused pauses or resumes controller updates for the entity. It is
// the only way out of the paused state. Requires the update pause admin role.
// Setting the current value is a no-op and does not notify the hook.
func (c *Controller) SetUpdatesPaused(ctx context.Context, caller, entity common.Address, paused bool) error {
	if err := c.gate.RequireRole(caller, access.RoleUpdatePauseAdmin); err != nil {
		return err
	}
	l := c.lock(entity)
	l.mu.Lock()
	changed, err := c.setPausedLocked(entity, paused)
	var edge uint64
	if err == nil && changed {
		l.edges++
		edge = l.edges
	}
	l.mu.Unlock()
	if err != nil {
		return err
	}
	if changed {
		c.notifyPause(ctx, l, edge, entity, caller, paused, "manual", uint32(c.now().Unix()))
	}
	return nil
}

func (c *Controller) setPausedLocked(entity common.Address, paused bool) (bool, error) {
	journal := c.backend.Begin()
	defer journal.Discard()
	buffer := ratebuffer.NewStore(journal)
	meta, ok, err := buffer.Metadata(entity)
	if err != nil {
		return false, err
	}
	if !ok {
		if err := buffer.Initialize(entity, c.Config(entity).capacity()); err != nil {
			return false, err
		}
	}
	if meta.Paused == paused {
		return false, nil
	}
	if err := buffer.SetPaused(entity, paused); err != nil {
		return false, err
	}
	if err := c.commit(journal, entity); err != nil {
		return false, err
	}
	return true, nil
}

// ManuallyPushRate appends amount copies of the supplied rate, bypassing the
// controller and the rate-of-change limit. The PID memory is left as is.
// Requires the rate admin role.
func (c *Controller) ManuallyPushRate(caller, entity common.Address, target, current uint64, amount uint16) error {
	if err := c.gate.RequireRole(caller, access.RoleRateAdmin); err != nil {
		return err
	}
	if amount == 0 {
		return fmt.Errorf("ratecontrol: push amount must be positive: %w", coreerrors.ErrInvalidConfig)
	}
	l := c.lock(entity)
	l.mu.Lock()
	defer l.mu.Unlock()

	journal := c.backend.Begin()
	defer journal.Discard()
	buffer := ratebuffer.NewStore(journal)
	_, ok, err := buffer.Metadata(entity)
	if err != nil {
		return err
	}
	if !ok {
		if err := buffer.Initialize(entity, c.Config(entity).capacity()); err != nil {
			return err
		}
	}
	timestamp := uint32(c.now().Unix())
	rate := ratebuffer.Rate{Target: target, Current: current, Timestamp: timestamp}
	for i := uint16(0); i < amount; i++ {
		if err := buffer.Push(entity, rate); err != nil {
			return err
		}
	}
	if err := c.commit(journal, entity); err != nil {
		return err
	}
	c.metrics.RecordRate(entity.Hex(), target, fixedToFloat(new(big.Int).SetUint64(current)), false)
	c.emitter.Emit(events.RatePushed{
		Entity:    entity,
		Caller:    caller,
		Target:    target,
		Current:   current,
		Amount:    amount,
		Timestamp: timestamp,
	})
	c.logger.Warn("rate pushed manually",
		slog.String("entity", entity.Hex()),
		slog.String("caller", caller.Hex()),
		slog.Uint64("target", target),
		slog.Int("amount", int(amount)))
	return nil
}

// SetRatesCapacity grows the entity's rate buffer. An uninitialised entity is
// initialised with the requested capacity. Requires the rate admin role.
func (c *Controller) SetRatesCapacity(caller, entity common.Address, capacity uint16) error {
	if err := c.gate.RequireRole(caller, access.RoleRateAdmin); err != nil {
		return err
	}
	l := c.lock(entity)
	l.mu.Lock()
	defer l.mu.Unlock()

	journal := c.backend.Begin()
	defer journal.Discard()
	buffer := ratebuffer.NewStore(journal)
	_, ok, err := buffer.Metadata(entity)
	if err != nil {
		return err
	}
	if ok {
		err = buffer.Grow(entity, capacity)
	} else {
		err = buffer.Initialize(entity, capacity)
	}
	if err != nil {
		return err
	}
	if err := c.commit(journal, entity); err != nil {
		return err
	}
	c.emitter.Emit(events.CapacityChanged{Entity: entity, Caller: caller, Capacity: capacity})
	return nil
}

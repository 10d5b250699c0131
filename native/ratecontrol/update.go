package ratecontrol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	coreerrors "ratecontrol/core/errors"
	"ratecontrol/core/events"
	"ratecontrol/native/access"
	nativecommon "ratecontrol/native/common"
	"ratecontrol/native/pid"
	"ratecontrol/native/ratebuffer"
)

// NeedsUpdate reports whether an update would currently be accepted on timing
// grounds. Uninitialised entities always need one; paused entities never do.
func (c *Controller) NeedsUpdate(entity common.Address) (bool, error) {
	l := c.lock(entity)
	l.mu.RLock()
	defer l.mu.RUnlock()
	return c.needsUpdateLocked(entity, c.Config(entity), c.now())
}

func (c *Controller) needsUpdateLocked(entity common.Address, cfg EntityConfig, now time.Time) (bool, error) {
	buffer := ratebuffer.NewStore(c.backend)
	meta, ok, err := buffer.Metadata(entity)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	if meta.Paused {
		return false, nil
	}
	if meta.Length == 0 {
		return true, nil
	}
	latest, err := buffer.Latest(entity)
	if err != nil {
		return false, err
	}
	elapsed := now.Unix() - int64(latest.Timestamp)
	return elapsed >= int64(cfg.Period/time.Second), nil
}

// updateOutcome carries what has to happen after a committed update.
type updateOutcome struct {
	rate      ratebuffer.Rate
	result    pid.Result
	halted    bool
	edge      uint64
	timestamp uint32
}

// Update runs one controller step for the entity and returns the committed
// rate. The caller needs the oracle updater role. On any error the persisted
// state is left untouched.
func (c *Controller) Update(ctx context.Context, caller Caller, entity common.Address) (ratebuffer.Rate, error) {
	ctx, span := c.tracer.Start(ctx, "ratecontrol.Update", trace.WithAttributes(
		attribute.String("entity", entity.Hex()),
		attribute.String("caller", caller.Address.Hex()),
	))
	defer span.End()

	l := c.lock(entity)
	l.mu.Lock()
	outcome, err := c.updateLocked(ctx, caller, entity)
	if err == nil && outcome.halted {
		l.edges++
		outcome.edge = l.edges
	}
	l.mu.Unlock()

	c.metrics.RecordUpdate(outcomeLabel(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug("rate update rejected",
			slog.String("entity", entity.Hex()),
			slog.String("caller", caller.Address.Hex()),
			slog.String("error", err.Error()))
		return ratebuffer.Rate{}, err
	}

	label := entity.Hex()
	c.metrics.RecordRate(label, outcome.rate.Target, fixedToFloat(outcome.result.Output), outcome.result.Saturated)
	span.SetAttributes(
		attribute.Int64("target", int64(outcome.rate.Target)),
		attribute.Bool("saturated", outcome.result.Saturated),
	)
	c.emitter.Emit(events.RateUpdated{
		Entity:    entity,
		Caller:    caller.Address,
		Target:    outcome.rate.Target,
		Current:   outcome.rate.Current,
		Timestamp: outcome.rate.Timestamp,
		Raw:       outcome.result.Raw,
		Saturated: outcome.result.Saturated,
	})
	c.logger.Info("rate updated",
		slog.String("entity", label),
		slog.Uint64("target", outcome.rate.Target),
		slog.Uint64("current", outcome.rate.Current),
		slog.Bool("saturated", outcome.result.Saturated))
	if outcome.halted {
		c.notifyPause(ctx, l, outcome.edge, entity, caller.Address, true, "halt", outcome.timestamp)
	}
	return outcome.rate, nil
}

func (c *Controller) updateLocked(ctx context.Context, caller Caller, entity common.Address) (updateOutcome, error) {
	cfg := c.Config(entity)
	if !c.gate.CanUpdate(caller.Address, access.RoleOracleUpdater) {
		return updateOutcome{}, fmt.Errorf("ratecontrol: %s may not update rates: %w", caller.Address.Hex(), coreerrors.ErrUnauthorized)
	}
	if cfg.RequireDirectCaller && caller.Relayed() {
		return updateOutcome{}, fmt.Errorf("ratecontrol: relayed updates disabled for %s: %w", entity.Hex(), coreerrors.ErrUnauthorized)
	}
	now := c.now()
	due, err := c.needsUpdateLocked(entity, cfg, now)
	if err != nil {
		return updateOutcome{}, err
	}
	if !due {
		return updateOutcome{}, fmt.Errorf("ratecontrol: %s: %w", entity.Hex(), coreerrors.ErrNotDue)
	}
	if err := nativecommon.Guard(c.pauses, ModuleName); err != nil {
		return updateOutcome{}, err
	}

	journal := c.backend.Begin()
	defer journal.Discard()
	buffer := ratebuffer.NewStore(journal)
	memory := pid.NewStore(journal)

	meta, ok, err := buffer.Metadata(entity)
	if err != nil {
		return updateOutcome{}, err
	}
	if !ok {
		if err := buffer.Initialize(entity, cfg.capacity()); err != nil {
			return updateOutcome{}, err
		}
	}
	pidState, _, err := memory.Get(entity)
	if err != nil {
		return updateOutcome{}, err
	}
	var previous *ratebuffer.Rate
	if meta.Length > 0 {
		latest, err := buffer.Latest(entity)
		if err != nil {
			return updateOutcome{}, err
		}
		previous = &latest
	}

	sample, err := c.fetch(ctx, entity)
	if err != nil {
		return updateOutcome{}, err
	}
	if previous != nil && sample.Timestamp != 0 && sample.Timestamp < previous.Timestamp {
		return updateOutcome{}, fmt.Errorf("ratecontrol: sample at %d predates last update at %d: %w", sample.Timestamp, previous.Timestamp, coreerrors.ErrStaleInput)
	}

	nowUnix := uint32(now.Unix())
	var dt uint64
	if previous != nil && nowUnix > previous.Timestamp {
		dt = uint64(nowUnix - previous.Timestamp)
	}
	result, err := pid.Compute(cfg.PID, pidState, pid.Sample{Input: sample.Input, Error: sample.Error}, dt)
	if err != nil {
		return updateOutcome{}, err
	}
	current, err := pid.ToRate(result.Output)
	if err != nil {
		return updateOutcome{}, err
	}
	target := current
	if previous != nil {
		target = pid.ClampChange(previous.Target, current, cfg.MaxIncrease, cfg.MaxDecrease)
	}
	rate := ratebuffer.Rate{Target: target, Current: current, Timestamp: nowUnix}
	if err := buffer.Push(entity, rate); err != nil {
		return updateOutcome{}, err
	}
	if err := memory.Put(entity, result.State); err != nil {
		return updateOutcome{}, err
	}
	if sample.Halt {
		if err := buffer.SetPaused(entity, true); err != nil {
			return updateOutcome{}, err
		}
	}
	if err := c.commit(journal, entity); err != nil {
		return updateOutcome{}, err
	}
	return updateOutcome{rate: rate, result: result, halted: sample.Halt, timestamp: nowUnix}, nil
}

type fetchResult struct {
	sample Sample
	err    error
}

func (c *Controller) fetch(ctx context.Context, entity common.Address) (Sample, error) {
	if c.source == nil {
		return Sample{}, fmt.Errorf("ratecontrol: no source configured: %w", coreerrors.ErrSourceUnavailable)
	}
	fetchCtx, cancel := context.WithTimeout(ctx, c.sourceTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan fetchResult, 1)
	go func() {
		sample, err := c.source.Fetch(fetchCtx, entity)
		done <- fetchResult{sample: sample, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			c.metrics.ObserveSource("error", time.Since(start))
			return Sample{}, fmt.Errorf("ratecontrol: fetch sample for %s: %v: %w", entity.Hex(), res.err, coreerrors.ErrSourceUnavailable)
		}
		if res.sample.Error == nil {
			c.metrics.ObserveSource("error", time.Since(start))
			return Sample{}, fmt.Errorf("ratecontrol: sample for %s has no error term: %w", entity.Hex(), coreerrors.ErrSourceUnavailable)
		}
		c.metrics.ObserveSource("ok", time.Since(start))
		return res.sample, nil
	case <-fetchCtx.Done():
		c.metrics.ObserveSource("timeout", time.Since(start))
		return Sample{}, fmt.Errorf("ratecontrol: fetch sample for %s: %v: %w", entity.Hex(), fetchCtx.Err(), coreerrors.ErrSourceUnavailable)
	}
}

// notifyPause publishes a committed pause edge. Every edge is emitted as an
// event; the gauge and the hook only see edges newer than the last one they
// were given, so the hook's final view matches the committed state. Hook
// failures are logged and counted only.
func (c *Controller) notifyPause(ctx context.Context, l *entityLock, edge uint64, entity, caller common.Address, paused bool, reason string, timestamp uint32) {
	label := entity.Hex()
	c.emitter.Emit(events.PauseChanged{
		Entity:    entity,
		Caller:    caller,
		Paused:    paused,
		Reason:    reason,
		Timestamp: timestamp,
	})
	c.logger.Info("rate updates pause changed",
		slog.String("entity", label),
		slog.Bool("paused", paused),
		slog.String("reason", reason))

	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	if edge <= l.delivered {
		c.logger.Debug("stale pause edge skipped",
			slog.String("entity", label),
			slog.Bool("paused", paused),
			slog.Uint64("edge", edge))
		return
	}
	l.delivered = edge
	c.metrics.SetPaused(label, paused)
	if c.hook == nil {
		return
	}
	hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.hookTimeout)
	defer cancel()
	if err := c.hook.OnPauseChanged(hookCtx, entity, paused); err != nil {
		c.metrics.RecordHookFailure(label)
		c.logger.Warn("pause hook failed",
			slog.String("entity", label),
			slog.Bool("paused", paused),
			slog.String("error", err.Error()))
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, coreerrors.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, coreerrors.ErrNotDue):
		return "not_due"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return "module_paused"
	case errors.Is(err, coreerrors.ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(err, coreerrors.ErrStaleInput):
		return "stale_input"
	case errors.Is(err, coreerrors.ErrInvalidConfig):
		return "invalid_config"
	default:
		return "error"
	}
}

func fixedToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	out, _ := new(big.Float).Quo(new(big.Float).SetInt(v), new(big.Float).SetInt(pid.One)).Float64()
	return out
}

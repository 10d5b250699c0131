// Package pid implements a discrete PID controller over 1e18 fixed-point
// integers. The controller is pure: callers own the state and decide whether
// to commit the state returned by Compute.
package pid

import (
	"fmt"
	"math/big"

	coreerrors "ratecontrol/core/errors"
)

// Validate checks that the gains and output bounds are present and ordered.
func Validate(cfg Config) error {
	switch {
	case cfg.Kp == nil:
		return fmt.Errorf("pid: kp unset: %w", coreerrors.ErrInvalidConfig)
	case cfg.Ki == nil:
		return fmt.Errorf("pid: ki unset: %w", coreerrors.ErrInvalidConfig)
	case cfg.Kd == nil:
		return fmt.Errorf("pid: kd unset: %w", coreerrors.ErrInvalidConfig)
	case cfg.OutputMin == nil || cfg.OutputMax == nil:
		return fmt.Errorf("pid: output bounds unset: %w", coreerrors.ErrInvalidConfig)
	}
	if cfg.OutputMin.Cmp(cfg.OutputMax) > 0 {
		return fmt.Errorf("pid: output min %s above max %s: %w", cfg.OutputMin, cfg.OutputMax, coreerrors.ErrInvalidConfig)
	}
	if cfg.ErrorTermMin != nil && cfg.ErrorTermMax != nil && cfg.ErrorTermMin.Cmp(cfg.ErrorTermMax) > 0 {
		return fmt.Errorf("pid: error term min %s above max %s: %w", cfg.ErrorTermMin, cfg.ErrorTermMax, coreerrors.ErrInvalidConfig)
	}
	return nil
}

// Compute runs one controller step. dt is the number of seconds since the
// previous step; it is ignored for an unseeded state, which produces a purely
// proportional response with a zero integral.
//
// The integral candidate is clamped to the output bounds. It is committed
// unless the raw output already exceeds a bound in the direction the
// candidate moved, in which case the previous integral is kept.
func Compute(cfg Config, state State, sample Sample, dt uint64) (Result, error) {
	if err := Validate(cfg); err != nil {
		return Result{}, err
	}
	if sample.Error == nil {
		return Result{}, fmt.Errorf("pid: sample error unset: %w", coreerrors.ErrInvalidConfig)
	}
	errTerm := clamp(sample.Error, cfg.ErrorTermMin, cfg.ErrorTermMax)

	prevITerm := big.NewInt(0)
	lastError := new(big.Int).Set(errTerm)
	if state.Seeded {
		if state.ITerm != nil {
			prevITerm.Set(state.ITerm)
		}
		if state.LastError != nil {
			lastError.Set(state.LastError)
		}
	} else {
		dt = 0
	}

	iCand := new(big.Int).Set(prevITerm)
	if dt > 0 {
		step := mulFixed(errTerm, cfg.Ki)
		step.Mul(step, new(big.Int).SetUint64(dt))
		iCand.Add(iCand, step)
	}
	if state.Seeded {
		iCand = clamp(iCand, cfg.OutputMin, cfg.OutputMax)
	}

	derivative := big.NewInt(0)
	if dt > 0 {
		derivative.Sub(errTerm, lastError)
		derivative.Quo(derivative, new(big.Int).SetUint64(dt))
	}

	proportional := mulFixed(cfg.Kp, errTerm)
	derivTerm := mulFixed(cfg.Kd, derivative)

	raw := new(big.Int).Add(proportional, iCand)
	raw.Add(raw, derivTerm)
	output := clamp(raw, cfg.OutputMin, cfg.OutputMax)

	committed := iCand
	saturated := false
	growing := iCand.Cmp(prevITerm) > 0
	shrinking := iCand.Cmp(prevITerm) < 0
	if (raw.Cmp(cfg.OutputMax) > 0 && growing) || (raw.Cmp(cfg.OutputMin) < 0 && shrinking) {
		committed = new(big.Int).Set(prevITerm)
		saturated = true
	}

	var lastInput *big.Int
	if sample.Input != nil {
		lastInput = new(big.Int).Set(sample.Input)
	} else {
		lastInput = big.NewInt(0)
	}

	return Result{
		Output:       output,
		Raw:          raw,
		Proportional: proportional,
		Integral:     new(big.Int).Set(iCand),
		Derivative:   derivTerm,
		Saturated:    saturated,
		State: State{
			ITerm:     committed,
			LastInput: lastInput,
			LastError: new(big.Int).Set(errTerm),
			Seeded:    true,
		},
	}, nil
}

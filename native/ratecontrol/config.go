package ratecontrol

import (
	"fmt"
	"math/big"
	"time"

	coreerrors "ratecontrol/core/errors"
	"ratecontrol/native/pid"
)

// DefaultInitialCapacity is the buffer size given to entities whose config
// does not name one.
const DefaultInitialCapacity uint16 = 32

// EntityConfig holds the tuning for one controlled entity.
type EntityConfig struct {
	// Period is the minimum spacing between controller updates.
	Period time.Duration
	// MaxIncrease and MaxDecrease bound the per-update move of the committed
	// target, in 1e18 rate units.
	MaxIncrease uint64
	MaxDecrease uint64
	PID         pid.Config
	// InitialCapacity sizes the rate buffer on first use.
	InitialCapacity uint16
	// RequireDirectCaller rejects updates relayed on behalf of another
	// account.
	RequireDirectCaller bool
}

// Validate reports ErrInvalidConfig for unusable tuning.
func (c EntityConfig) Validate() error {
	if c.Period < time.Second {
		return fmt.Errorf("ratecontrol: period %s below one second: %w", c.Period, coreerrors.ErrInvalidConfig)
	}
	if err := pid.Validate(c.PID); err != nil {
		return err
	}
	if c.PID.OutputMin.Sign() < 0 {
		return fmt.Errorf("ratecontrol: output min %s is negative: %w", c.PID.OutputMin, coreerrors.ErrInvalidConfig)
	}
	if !c.PID.OutputMax.IsUint64() {
		return fmt.Errorf("ratecontrol: output max %s exceeds the rate range: %w", c.PID.OutputMax, coreerrors.ErrInvalidConfig)
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c EntityConfig) Clone() EntityConfig {
	out := c
	out.PID = c.PID.Clone()
	return out
}

func (c EntityConfig) capacity() uint16 {
	if c.InitialCapacity == 0 {
		return DefaultInitialCapacity
	}
	return c.InitialCapacity
}

// storedConfig is the RLP form of EntityConfig. Signed fixed-point values are
// base-10 strings; an empty string is an unset optional bound.
type storedConfig struct {
	PeriodSeconds       uint64
	MaxIncrease         uint64
	MaxDecrease         uint64
	Kp                  string
	Ki                  string
	Kd                  string
	OutputMin           string
	OutputMax           string
	ErrorTermMin        string
	ErrorTermMax        string
	InitialCapacity     uint16
	RequireDirectCaller bool
}

func encodeConfig(c EntityConfig) storedConfig {
	return storedConfig{
		PeriodSeconds:       uint64(c.Period / time.Second),
		MaxIncrease:         c.MaxIncrease,
		MaxDecrease:         c.MaxDecrease,
		Kp:                  optionalString(c.PID.Kp),
		Ki:                  optionalString(c.PID.Ki),
		Kd:                  optionalString(c.PID.Kd),
		OutputMin:           optionalString(c.PID.OutputMin),
		OutputMax:           optionalString(c.PID.OutputMax),
		ErrorTermMin:        optionalString(c.PID.ErrorTermMin),
		ErrorTermMax:        optionalString(c.PID.ErrorTermMax),
		InitialCapacity:     c.InitialCapacity,
		RequireDirectCaller: c.RequireDirectCaller,
	}
}

func decodeConfig(s storedConfig) (EntityConfig, error) {
	out := EntityConfig{
		Period:              time.Duration(s.PeriodSeconds) * time.Second,
		MaxIncrease:         s.MaxIncrease,
		MaxDecrease:         s.MaxDecrease,
		InitialCapacity:     s.InitialCapacity,
		RequireDirectCaller: s.RequireDirectCaller,
	}
	fields := []struct {
		raw string
		dst **big.Int
	}{
		{s.Kp, &out.PID.Kp},
		{s.Ki, &out.PID.Ki},
		{s.Kd, &out.PID.Kd},
		{s.OutputMin, &out.PID.OutputMin},
		{s.OutputMax, &out.PID.OutputMax},
		{s.ErrorTermMin, &out.PID.ErrorTermMin},
		{s.ErrorTermMax, &out.PID.ErrorTermMax},
	}
	for _, field := range fields {
		if field.raw == "" {
			continue
		}
		v, ok := new(big.Int).SetString(field.raw, 10)
		if !ok {
			return EntityConfig{}, fmt.Errorf("ratecontrol: corrupt stored config value %q", field.raw)
		}
		*field.dst = v
	}
	return out, nil
}

func optionalString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

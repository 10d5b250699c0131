package pid

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	coreerrors "ratecontrol/core/errors"
)

func fixed(t *testing.T, value string) *big.Int {
	t.Helper()
	v, err := ParseFixed(value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return v
}

func proportionalConfig(t *testing.T) Config {
	return Config{
		Kp:        fixed(t, "1"),
		Ki:        big.NewInt(0),
		Kd:        big.NewInt(0),
		OutputMin: big.NewInt(0),
		OutputMax: fixed(t, "1"),
	}
}

func TestValidate(t *testing.T) {
	base := proportionalConfig(t)
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing kp", func(c *Config) { c.Kp = nil }},
		{"missing ki", func(c *Config) { c.Ki = nil }},
		{"missing kd", func(c *Config) { c.Kd = nil }},
		{"missing bound", func(c *Config) { c.OutputMax = nil }},
		{"inverted output", func(c *Config) { c.OutputMin = fixed(t, "2") }},
		{"inverted error term", func(c *Config) {
			c.ErrorTermMin = fixed(t, "1")
			c.ErrorTermMax = fixed(t, "-1")
		}},
	}
	require.NoError(t, Validate(base))
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base.Clone()
			tc.mutate(&cfg)
			require.ErrorIs(t, Validate(cfg), coreerrors.ErrInvalidConfig)
		})
	}
}

func TestFirstUpdateIsProportional(t *testing.T) {
	cfg := proportionalConfig(t)
	cfg.Ki = fixed(t, "1")
	cfg.Kd = fixed(t, "1")

	res, err := Compute(cfg, State{}, Sample{Input: fixed(t, "0.7"), Error: fixed(t, "0.1")}, 3600)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if res.Output.Cmp(fixed(t, "0.1")) != 0 {
		t.Fatalf("expected pure proportional output, got %s", FormatFixed(res.Output))
	}
	if res.State.ITerm.Sign() != 0 {
		t.Fatalf("expected zero integral, got %s", res.State.ITerm)
	}
	if res.Derivative.Sign() != 0 {
		t.Fatalf("expected zero derivative, got %s", res.Derivative)
	}
	if !res.State.Seeded || res.State.LastError.Cmp(fixed(t, "0.1")) != 0 {
		t.Fatalf("unexpected seeded state %+v", res.State)
	}
	if res.State.LastInput.Cmp(fixed(t, "0.7")) != 0 {
		t.Fatalf("expected last input recorded, got %s", res.State.LastInput)
	}
}

func TestProportionalStepFollowedByChangeClamp(t *testing.T) {
	cfg := proportionalConfig(t)
	first, err := Compute(cfg, State{}, Sample{Error: fixed(t, "0.1")}, 0)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := Compute(cfg, first.State, Sample{Error: fixed(t, "0.5")}, 3600)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Output.Cmp(fixed(t, "0.5")) != 0 {
		t.Fatalf("expected raw output 0.5, got %s", FormatFixed(second.Output))
	}
	prev, _ := ToRate(first.Output)
	next, _ := ToRate(second.Output)
	target := ClampChange(prev, next, fixed(t, "0.02").Uint64(), fixed(t, "0.01").Uint64())
	if target != fixed(t, "0.12").Uint64() {
		t.Fatalf("expected clamped target 0.12, got %d", target)
	}
}

func TestIntegralAccumulatesWithDt(t *testing.T) {
	cfg := Config{
		Kp:        big.NewInt(0),
		Ki:        fixed(t, "0.1"),
		Kd:        big.NewInt(0),
		OutputMin: big.NewInt(0),
		OutputMax: fixed(t, "1"),
	}
	state := State{ITerm: big.NewInt(0), LastError: fixed(t, "0.2"), Seeded: true}
	res, err := Compute(cfg, state, Sample{Error: fixed(t, "0.2")}, 10)
	require.NoError(t, err)
	require.Zero(t, res.Output.Cmp(fixed(t, "0.2")))
	require.Zero(t, res.State.ITerm.Cmp(fixed(t, "0.2")))
	require.False(t, res.Saturated)
	require.Zero(t, state.ITerm.Sign(), "input state must not be mutated")
}

func TestDerivativeUsesErrorDelta(t *testing.T) {
	cfg := Config{
		Kp:        big.NewInt(0),
		Ki:        big.NewInt(0),
		Kd:        fixed(t, "1"),
		OutputMin: fixed(t, "-1"),
		OutputMax: fixed(t, "1"),
	}
	state := State{ITerm: big.NewInt(0), LastError: fixed(t, "0.1"), Seeded: true}
	res, err := Compute(cfg, state, Sample{Error: fixed(t, "0.5")}, 4)
	require.NoError(t, err)
	require.Zero(t, res.Output.Cmp(fixed(t, "0.1")))

	res, err = Compute(cfg, state, Sample{Error: fixed(t, "0.5")}, 0)
	require.NoError(t, err)
	require.Zero(t, res.Derivative.Sign(), "zero dt must not divide")
}

func TestAntiWindupFreezesIntegral(t *testing.T) {
	cfg := Config{
		Kp:        fixed(t, "1"),
		Ki:        fixed(t, "1"),
		Kd:        big.NewInt(0),
		OutputMin: big.NewInt(0),
		OutputMax: fixed(t, "1"),
	}
	state := State{ITerm: fixed(t, "0.5"), LastError: fixed(t, "0.8"), Seeded: true}
	for i := 0; i < 10; i++ {
		res, err := Compute(cfg, state, Sample{Error: fixed(t, "0.8")}, 1)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if !res.Saturated {
			t.Fatalf("step %d: expected saturation", i)
		}
		if res.Output.Cmp(cfg.OutputMax) != 0 {
			t.Fatalf("step %d: expected output at max, got %s", i, FormatFixed(res.Output))
		}
		if res.State.ITerm.Cmp(fixed(t, "0.5")) != 0 {
			t.Fatalf("step %d: integral moved to %s", i, FormatFixed(res.State.ITerm))
		}
		state = res.State
	}

	res, err := Compute(cfg, state, Sample{Error: fixed(t, "-0.8")}, 1)
	require.NoError(t, err)
	require.True(t, res.Saturated)
	require.Zero(t, res.Output.Sign())
	require.Zero(t, res.State.ITerm.Cmp(fixed(t, "0.5")))
}

func TestIntegralClampedToOutputBounds(t *testing.T) {
	cfg := Config{
		Kp:        big.NewInt(0),
		Ki:        fixed(t, "1"),
		Kd:        big.NewInt(0),
		OutputMin: big.NewInt(0),
		OutputMax: fixed(t, "1"),
	}
	state := State{ITerm: fixed(t, "0.9"), LastError: fixed(t, "0.5"), Seeded: true}
	for i := 0; i < 5; i++ {
		res, err := Compute(cfg, state, Sample{Error: fixed(t, "0.5")}, 1)
		require.NoError(t, err)
		require.LessOrEqual(t, res.State.ITerm.Cmp(cfg.OutputMax), 0)
		state = res.State
	}
	require.Zero(t, state.ITerm.Cmp(cfg.OutputMax))
}

func TestErrorTermClamp(t *testing.T) {
	cfg := proportionalConfig(t)
	cfg.ErrorTermMax = fixed(t, "0.3")
	res, err := Compute(cfg, State{}, Sample{Error: fixed(t, "0.5")}, 0)
	require.NoError(t, err)
	require.Zero(t, res.Output.Cmp(fixed(t, "0.3")))
	require.Zero(t, res.State.LastError.Cmp(fixed(t, "0.3")))
}

func TestComputeRejectsInvalidConfig(t *testing.T) {
	_, err := Compute(Config{}, State{}, Sample{Error: big.NewInt(1)}, 0)
	if !errors.Is(err, coreerrors.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

package pid

import "math/big"

// Config carries the controller gains and bounds. Every value is a signed
// 1e18 fixed-point number. The error term bounds are optional; nil means the
// error is not clamped on that side.
type Config struct {
	Kp           *big.Int
	Ki           *big.Int
	Kd           *big.Int
	OutputMin    *big.Int
	OutputMax    *big.Int
	ErrorTermMin *big.Int
	ErrorTermMax *big.Int
}

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	return Config{
		Kp:           cloneInt(c.Kp),
		Ki:           cloneInt(c.Ki),
		Kd:           cloneInt(c.Kd),
		OutputMin:    cloneInt(c.OutputMin),
		OutputMax:    cloneInt(c.OutputMax),
		ErrorTermMin: cloneInt(c.ErrorTermMin),
		ErrorTermMax: cloneInt(c.ErrorTermMax),
	}
}

// State is the controller memory kept between updates.
type State struct {
	ITerm     *big.Int
	LastInput *big.Int
	LastError *big.Int
	// Seeded is false until the first update has been committed.
	Seeded bool
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	return State{
		ITerm:     cloneInt(s.ITerm),
		LastInput: cloneInt(s.LastInput),
		LastError: cloneInt(s.LastError),
		Seeded:    s.Seeded,
	}
}

// Sample is one observation of the controlled process.
type Sample struct {
	Input *big.Int
	Error *big.Int
}

// Result is the outcome of a single controller step.
type Result struct {
	// Output is Raw clamped to the configured output bounds.
	Output *big.Int
	// Raw is the unclamped sum of the three terms.
	Raw          *big.Int
	Proportional *big.Int
	Integral     *big.Int
	Derivative   *big.Int
	// Saturated reports that the integral was frozen by the anti-windup rule.
	Saturated bool
	// State is the controller memory to commit if the update goes through.
	State State
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

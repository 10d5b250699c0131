package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	coreerrors "ratecontrol/core/errors"
	"ratecontrol/crypto"
	"ratecontrol/native/access"
	"ratecontrol/native/pid"
	"ratecontrol/native/ratecontrol"
)

// MinPeriodSeconds is the shortest accepted controller period.
var MinPeriodSeconds = uint64(1)

// Grant is a role grant with parsed identities.
type Grant struct {
	Role    access.Role
	Members []common.Address
	Open    bool
}

// ValidateConfig checks every section of the parameter file.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil config")
	}
	if strings.TrimSpace(cfg.Admin) != "" {
		if _, err := cfg.AdminIdentity(); err != nil {
			return err
		}
	}
	if _, _, err := cfg.Timeouts(); err != nil {
		return err
	}
	if cfg.Defaults.PeriodSeconds < MinPeriodSeconds {
		return fmt.Errorf("config: defaults: PeriodSeconds too small: %w", coreerrors.ErrInvalidConfig)
	}
	if _, err := cfg.Defaults.EntityConfig(); err != nil {
		return fmt.Errorf("config: defaults: %w", err)
	}
	if _, err := cfg.EntityConfigs(); err != nil {
		return err
	}
	if _, err := cfg.Grants(); err != nil {
		return err
	}
	return nil
}

// AdminIdentity parses the bootstrap admin.
func (c *Config) AdminIdentity() (common.Address, error) {
	id, err := crypto.ParseIdentity(c.Admin)
	if err != nil {
		return common.Address{}, fmt.Errorf("config: Admin: %v: %w", err, coreerrors.ErrInvalidConfig)
	}
	return id, nil
}

// Timeouts returns the source and hook timeouts.
func (c *Config) Timeouts() (time.Duration, time.Duration, error) {
	source, err := time.ParseDuration(strings.TrimSpace(c.SourceTimeout))
	if err != nil || source <= 0 {
		return 0, 0, fmt.Errorf("config: SourceTimeout %q invalid: %w", c.SourceTimeout, coreerrors.ErrInvalidConfig)
	}
	hook, err := time.ParseDuration(strings.TrimSpace(c.HookTimeout))
	if err != nil || hook <= 0 {
		return 0, 0, fmt.Errorf("config: HookTimeout %q invalid: %w", c.HookTimeout, coreerrors.ErrInvalidConfig)
	}
	return source, hook, nil
}

// EntityConfig converts the parameters into a validated controller config.
func (p EntityParams) EntityConfig() (ratecontrol.EntityConfig, error) {
	maxIncrease, err := parseRate("MaxIncrease", p.MaxIncrease)
	if err != nil {
		return ratecontrol.EntityConfig{}, err
	}
	maxDecrease, err := parseRate("MaxDecrease", p.MaxDecrease)
	if err != nil {
		return ratecontrol.EntityConfig{}, err
	}
	out := ratecontrol.EntityConfig{
		Period:              time.Duration(p.PeriodSeconds) * time.Second,
		MaxIncrease:         maxIncrease,
		MaxDecrease:         maxDecrease,
		InitialCapacity:     p.InitialCapacity,
		RequireDirectCaller: p.RequireDirectCaller,
	}
	required := []struct {
		name  string
		value string
		dst   **big.Int
	}{
		{"Kp", p.Kp, &out.PID.Kp},
		{"Ki", p.Ki, &out.PID.Ki},
		{"Kd", p.Kd, &out.PID.Kd},
		{"OutputMin", p.OutputMin, &out.PID.OutputMin},
		{"OutputMax", p.OutputMax, &out.PID.OutputMax},
	}
	for _, field := range required {
		v, err := pid.ParseFixed(field.value)
		if err != nil {
			return ratecontrol.EntityConfig{}, fmt.Errorf("config: %s: %w", field.name, err)
		}
		*field.dst = v
	}
	if strings.TrimSpace(p.ErrorTermMin) != "" {
		if out.PID.ErrorTermMin, err = pid.ParseFixed(p.ErrorTermMin); err != nil {
			return ratecontrol.EntityConfig{}, fmt.Errorf("config: ErrorTermMin: %w", err)
		}
	}
	if strings.TrimSpace(p.ErrorTermMax) != "" {
		if out.PID.ErrorTermMax, err = pid.ParseFixed(p.ErrorTermMax); err != nil {
			return ratecontrol.EntityConfig{}, fmt.Errorf("config: ErrorTermMax: %w", err)
		}
	}
	if err := out.Validate(); err != nil {
		return ratecontrol.EntityConfig{}, err
	}
	return out, nil
}

func parseRate(name, value string) (uint64, error) {
	v, err := pid.ParseFixed(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	if v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("config: %s %q out of range: %w", name, value, coreerrors.ErrInvalidConfig)
	}
	return v.Uint64(), nil
}

// EntityConfigs returns the per-entity overrides merged over the defaults.
func (c *Config) EntityConfigs() (map[common.Address]ratecontrol.EntityConfig, error) {
	out := make(map[common.Address]ratecontrol.EntityConfig, len(c.Entities))
	for i, entry := range c.Entities {
		entity, err := crypto.ParseIdentity(entry.Address)
		if err != nil {
			return nil, fmt.Errorf("config: entity[%d] address: %v: %w", i, err, coreerrors.ErrInvalidConfig)
		}
		if _, dup := out[entity]; dup {
			return nil, fmt.Errorf("config: entity %s configured twice: %w", entity.Hex(), coreerrors.ErrInvalidConfig)
		}
		cfg, err := MergeParams(c.Defaults, entry.EntityParams).EntityConfig()
		if err != nil {
			return nil, fmt.Errorf("config: entity %s: %w", entity.Hex(), err)
		}
		out[entity] = cfg
	}
	return out, nil
}

// Grants parses the start-up role grants.
func (c *Config) Grants() ([]Grant, error) {
	out := make([]Grant, 0, len(c.Roles))
	for i, entry := range c.Roles {
		role, err := access.ParseRole(entry.Role)
		if err != nil {
			return nil, fmt.Errorf("config: role[%d]: %w", i, err)
		}
		grant := Grant{Role: role, Open: entry.Open}
		for _, member := range entry.Members {
			id, err := crypto.ParseIdentity(member)
			if err != nil {
				return nil, fmt.Errorf("config: role %s member %q: %v: %w", role, member, err, coreerrors.ErrInvalidConfig)
			}
			grant.Members = append(grant.Members, id)
		}
		out = append(out, grant)
	}
	return out, nil
}

// ParamsFromEntityConfig renders cfg back into decimal parameters.
func ParamsFromEntityConfig(cfg ratecontrol.EntityConfig) EntityParams {
	out := EntityParams{
		PeriodSeconds:       uint64(cfg.Period / time.Second),
		MaxIncrease:         pid.FormatFixed(new(big.Int).SetUint64(cfg.MaxIncrease)),
		MaxDecrease:         pid.FormatFixed(new(big.Int).SetUint64(cfg.MaxDecrease)),
		Kp:                  pid.FormatFixed(cfg.PID.Kp),
		Ki:                  pid.FormatFixed(cfg.PID.Ki),
		Kd:                  pid.FormatFixed(cfg.PID.Kd),
		OutputMin:           pid.FormatFixed(cfg.PID.OutputMin),
		OutputMax:           pid.FormatFixed(cfg.PID.OutputMax),
		InitialCapacity:     cfg.InitialCapacity,
		RequireDirectCaller: cfg.RequireDirectCaller,
	}
	if cfg.PID.ErrorTermMin != nil {
		out.ErrorTermMin = pid.FormatFixed(cfg.PID.ErrorTermMin)
	}
	if cfg.PID.ErrorTermMax != nil {
		out.ErrorTermMax = pid.FormatFixed(cfg.PID.ErrorTermMax)
	}
	return out
}

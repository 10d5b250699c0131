package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the controller parameter file.
type Config struct {
	DataDir       string           `toml:"DataDir"`
	Admin         string           `toml:"Admin"`
	SourceTimeout string           `toml:"SourceTimeout"`
	HookTimeout   string           `toml:"HookTimeout"`
	PausedModules []string         `toml:"PausedModules"`
	Defaults      EntityParams     `toml:"defaults"`
	Entities      []EntityOverride `toml:"entity"`
	Roles         []RoleGrant      `toml:"role"`
}

// EntityParams carries the tuning for an entity. Fixed-point values are
// decimal strings such as "0.02".
type EntityParams struct {
	PeriodSeconds       uint64 `toml:"PeriodSeconds" json:"period_seconds,omitempty"`
	MaxIncrease         string `toml:"MaxIncrease" json:"max_increase,omitempty"`
	MaxDecrease         string `toml:"MaxDecrease" json:"max_decrease,omitempty"`
	Kp                  string `toml:"Kp" json:"kp,omitempty"`
	Ki                  string `toml:"Ki" json:"ki,omitempty"`
	Kd                  string `toml:"Kd" json:"kd,omitempty"`
	OutputMin           string `toml:"OutputMin" json:"output_min,omitempty"`
	OutputMax           string `toml:"OutputMax" json:"output_max,omitempty"`
	ErrorTermMin        string `toml:"ErrorTermMin,omitempty" json:"error_term_min,omitempty"`
	ErrorTermMax        string `toml:"ErrorTermMax,omitempty" json:"error_term_max,omitempty"`
	InitialCapacity     uint16 `toml:"InitialCapacity" json:"initial_capacity,omitempty"`
	RequireDirectCaller bool   `toml:"RequireDirectCaller" json:"require_direct_caller,omitempty"`
}

// EntityOverride replaces the defaults for one entity. Unset fields inherit
// the defaults.
type EntityOverride struct {
	Address string `toml:"Address"`
	EntityParams
}

// RoleGrant lists identities that receive a role at start-up. Open grants the
// role to every caller.
type RoleGrant struct {
	Role    string   `toml:"Role"`
	Members []string `toml:"Members"`
	Open    bool     `toml:"Open"`
}

// Load loads the configuration from the given path. A missing file is
// created with defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode parses configuration text without touching the filesystem.
func Decode(data string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.Decode(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultParams is the tuning written into fresh configuration files.
func DefaultParams() EntityParams {
	return EntityParams{
		PeriodSeconds:   3600,
		MaxIncrease:     "0.02",
		MaxDecrease:     "0.01",
		Kp:              "1",
		Ki:              "0",
		Kd:              "0",
		OutputMin:       "0",
		OutputMax:       "1",
		InitialCapacity: 32,
	}
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./ratecontrol-data"
	}
	if strings.TrimSpace(c.SourceTimeout) == "" {
		c.SourceTimeout = "5s"
	}
	if strings.TrimSpace(c.HookTimeout) == "" {
		c.HookTimeout = "5s"
	}
	if c.PausedModules == nil {
		c.PausedModules = []string{}
	}
	c.Defaults = MergeParams(DefaultParams(), c.Defaults)
}

// MergeParams overlays the set fields of override onto base.
func MergeParams(base, override EntityParams) EntityParams {
	out := base
	if override.PeriodSeconds != 0 {
		out.PeriodSeconds = override.PeriodSeconds
	}
	pick := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	pick(&out.MaxIncrease, override.MaxIncrease)
	pick(&out.MaxDecrease, override.MaxDecrease)
	pick(&out.Kp, override.Kp)
	pick(&out.Ki, override.Ki)
	pick(&out.Kd, override.Kd)
	pick(&out.OutputMin, override.OutputMin)
	pick(&out.OutputMax, override.OutputMax)
	pick(&out.ErrorTermMin, override.ErrorTermMin)
	pick(&out.ErrorTermMax, override.ErrorTermMax)
	if override.InitialCapacity != 0 {
		out.InitialCapacity = override.InitialCapacity
	}
	if override.RequireDirectCaller {
		out.RequireDirectCaller = true
	}
	return out
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		DataDir:       "./ratecontrol-data",
		SourceTimeout: "5s",
		HookTimeout:   "5s",
		PausedModules: []string{},
		Defaults:      DefaultParams(),
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	coreerrors "ratecontrol/core/errors"
	"ratecontrol/crypto"
	"ratecontrol/native/access"
)

const sampleConfig = `DataDir = "./data"
Admin = "0x0000000000000000000000000000000000000a01"
SourceTimeout = "2s"
PausedModules = ["ratecontrol"]

[defaults]
PeriodSeconds = 3600
MaxIncrease = "0.02"
MaxDecrease = "0.01"
Kp = "1"
Ki = "0.001"
Kd = "0"
OutputMin = "0"
OutputMax = "1"
InitialCapacity = 16

[[entity]]
Address = "0x00000000000000000000000000000000000000aa"
PeriodSeconds = 600
ErrorTermMax = "0.5"

[[role]]
Role = "oracle-updater"
Members = ["0x0000000000000000000000000000000000000b02"]

[[role]]
Role = "UPDATE_PAUSE_ADMIN"
Open = true
`

func TestDecodeParsesSections(t *testing.T) {
	cfg, err := Decode(sampleConfig)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.DataDir != "./data" {
		t.Fatalf("unexpected data dir %q", cfg.DataDir)
	}
	admin, err := cfg.AdminIdentity()
	if err != nil || admin != common.HexToAddress("0xa01") {
		t.Fatalf("unexpected admin %s (%v)", admin.Hex(), err)
	}
	source, hook, err := cfg.Timeouts()
	if err != nil {
		t.Fatalf("timeouts: %v", err)
	}
	if source != 2*time.Second || hook != 5*time.Second {
		t.Fatalf("unexpected timeouts %s %s", source, hook)
	}

	defaults, err := cfg.Defaults.EntityConfig()
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if defaults.Period != time.Hour || defaults.InitialCapacity != 16 {
		t.Fatalf("unexpected defaults %+v", defaults)
	}
	if defaults.MaxIncrease != 20_000_000_000_000_000 {
		t.Fatalf("unexpected max increase %d", defaults.MaxIncrease)
	}
	if defaults.PID.Ki.String() != "1000000000000000" {
		t.Fatalf("unexpected ki %s", defaults.PID.Ki)
	}

	entities, err := cfg.EntityConfigs()
	if err != nil {
		t.Fatalf("entities: %v", err)
	}
	override, ok := entities[common.HexToAddress("0xaa")]
	if !ok {
		t.Fatalf("missing entity override")
	}
	if override.Period != 10*time.Minute {
		t.Fatalf("expected override period, got %s", override.Period)
	}
	if override.PID.ErrorTermMax == nil || override.PID.ErrorTermMax.String() != "500000000000000000" {
		t.Fatalf("unexpected error term max %v", override.PID.ErrorTermMax)
	}
	if override.InitialCapacity != 16 || override.MaxDecrease != defaults.MaxDecrease {
		t.Fatalf("override must inherit defaults: %+v", override)
	}

	grants, err := cfg.Grants()
	if err != nil {
		t.Fatalf("grants: %v", err)
	}
	if len(grants) != 2 || grants[0].Role != access.RoleOracleUpdater || len(grants[0].Members) != 1 {
		t.Fatalf("unexpected grants %+v", grants)
	}
	if grants[1].Role != access.RoleUpdatePauseAdmin || !grants[1].Open {
		t.Fatalf("unexpected open grant %+v", grants[1])
	}
}

func TestDecodeAcceptsBech32Identities(t *testing.T) {
	admin := common.HexToAddress("0xa01")
	cfg, err := Decode(`Admin = "` + crypto.FormatIdentity(admin) + `"`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := cfg.AdminIdentity()
	if err != nil || got != admin {
		t.Fatalf("unexpected admin %s (%v)", got.Hex(), err)
	}
}

func TestDecodeRejectsInvalidSections(t *testing.T) {
	cases := map[string]string{
		"bad admin":         `Admin = "nope"`,
		"bad timeout":       `SourceTimeout = "soon"`,
		"inverted bounds":   "[defaults]\nOutputMin = \"2\"\nOutputMax = \"1\"\n",
		"negative rate":     "[defaults]\nMaxIncrease = \"-0.1\"\n",
		"too many decimals": "[defaults]\nKp = \"0.0000000000000000001\"\n",
		"duplicate entity":  "[[entity]]\nAddress = \"0x00000000000000000000000000000000000000aa\"\n[[entity]]\nAddress = \"0x00000000000000000000000000000000000000AA\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(body); !errors.Is(err, coreerrors.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
	if _, err := Decode("[[role]]\nRole = \"root\"\n"); !errors.Is(err, access.ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ratecontrol.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default file: %v", err)
	}
	if cfg.Defaults.PeriodSeconds != 3600 {
		t.Fatalf("unexpected default period %d", cfg.Defaults.PeriodSeconds)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Defaults != cfg.Defaults {
		t.Fatalf("round trip mismatch: %+v vs %+v", reloaded.Defaults, cfg.Defaults)
	}
}

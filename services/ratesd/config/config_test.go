package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ratesd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
auth:
  hmac_secret: secret
sources:
  - name: feed
    type: http
    endpoint: http://localhost:9000/sample
hook:
  endpoint: http://localhost:9001/pause
  timeout: 2s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":7080" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.Auth.ClockSkew.Duration != 2*time.Minute {
		t.Fatalf("unexpected clock skew %s", cfg.Auth.ClockSkew.Duration)
	}
	if cfg.Hook.Timeout.Duration != 2*time.Second {
		t.Fatalf("unexpected hook timeout %s", cfg.Hook.Timeout.Duration)
	}
	if cfg.Sources[0].Timeout.Duration != 10*time.Second {
		t.Fatalf("unexpected source timeout %s", cfg.Sources[0].Timeout.Duration)
	}
	if cfg.RateLimit.RequestsPerMinute != 120 || cfg.RateLimit.Burst != 20 {
		t.Fatalf("unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.Audit.Path == "" {
		t.Fatalf("expected default audit path")
	}
}

func TestLoadRejectsInvalidSources(t *testing.T) {
	cases := map[string]string{
		"missing secret": "sources: []\n",
		"unknown type":   "auth: {hmac_secret: s}\nsources: [{name: a, type: carrier-pigeon}]\n",
		"duplicate name": "auth: {hmac_secret: s}\nsources: [{name: a, type: static, input: '1', error: '0'}, {name: a, type: static, input: '1', error: '0', entities: ['0x01']}]\n",
		"two fallbacks":  "auth: {hmac_secret: s}\nsources: [{name: a, type: static, input: '1', error: '0'}, {name: b, type: static, input: '1', error: '0'}]\n",
		"bad static":     "auth: {hmac_secret: s}\nsources: [{name: a, type: static}]\n",
		"no target":      "auth: {hmac_secret: s}\nsources: [{name: a, type: utilization, endpoint: 'http://x'}]\n",
		"bad duration":   "auth: {hmac_secret: s, clock_skew: soon}\n",
		"unknown field":  "auth: {hmac_secret: s}\nlisten_addr: ':1'\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "open config") {
		t.Fatalf("expected open error, got %v", err)
	}
}

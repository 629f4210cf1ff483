package rotauth

import (
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestValidateRejectsBadDurations(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero access ttl", func(c *Config) { c.JWT.AccessTTL = 0 }},
		{"zero refresh ttl", func(c *Config) { c.Token.RefreshTTL = 0 }},
		{"access exceeds refresh", func(c *Config) {
			c.JWT.AccessTTL = 48 * time.Hour
			c.Token.RefreshTTL = 24 * time.Hour
		}},
		{"zero op timeout", func(c *Config) { c.Storage.OpTimeout = 0 }},
		{"negative audit buffer", func(c *Config) { c.Audit.BufferSize = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCloneConfigIsolatesKeyMaterial(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JWT.PrivateKey = []byte{1, 2, 3}
	cfg.JWT.VerifyKeys = map[string][]byte{"k1": {4, 5, 6}}

	clone := cloneConfig(cfg)
	clone.JWT.PrivateKey[0] = 9
	clone.JWT.VerifyKeys["k1"][0] = 9

	if cfg.JWT.PrivateKey[0] != 1 || cfg.JWT.VerifyKeys["k1"][0] != 4 {
		t.Fatal("clone must not share key buffers")
	}
}

package homa

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("Default configuration does not validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	var tests = []struct {
		name   string
		mangle func(*Config)
		substr string
	}{
		{"zero rtt", func(c *Config) { c.RTTBytes = 0 }, "rtt_bytes"},
		{"no priorities", func(c *Config) { c.PriorityLevels = 0 }, "priority_levels"},
		{"too many bands", func(c *Config) { c.PriorityLevels = 3 }, "unscheduled bands"},
		{"no scheduled level", func(c *Config) { c.PriorityLevels = 4 }, "scheduled level"},
		{"descending bands", func(c *Config) { c.UnscheduledBands = []uint32{5000, 1250} }, "ascending"},
		{"zero overcommit", func(c *Config) { c.OvercommitDegree = 0 }, "overcommit_degree"},
		{"zero tick", func(c *Config) { c.TickInterval = 0 }, "tick interval"},
		{"timeout before resend", func(c *Config) { c.ResendTicks = 300 }, "timeout_ticks"},
		{"zero batches", func(c *Config) { c.SendBatch = 0 }, "send_batch"},
	}

	for _, test := range tests {
		cfg := DefaultConfig()
		test.mangle(&cfg)

		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected a validation error", test.name)
		}
		if !strings.Contains(err.Error(), test.substr) {
			t.Fatalf("%s: error %q does not mention %q", test.name, err, test.substr)
		}
	}
}

func TestConfigValidateCollectsAll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RTTBytes = 0
	cfg.OvercommitDegree = 0
	cfg.TickInterval = -time.Second

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation errors")
	}

	for _, substr := range []string{"rtt_bytes", "overcommit_degree", "tick interval"} {
		if !strings.Contains(err.Error(), substr) {
			t.Fatalf("Error %q misses %q", err, substr)
		}
	}
}

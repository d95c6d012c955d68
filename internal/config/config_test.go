package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("ring:\n  max_entries: 500\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// Override searchPathsFunc to avoid finding real config files on the
	// developer/deploy machine.
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("ring:\n  max_entries: 500\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("paths:\n  data_dir: ${EVENTKERNEL_TEST_DATA_DIR}\n"), 0600)
	os.Setenv("EVENTKERNEL_TEST_DATA_DIR", "/tmp/ek-data")
	defer os.Unsetenv("EVENTKERNEL_TEST_DATA_DIR")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Paths.DataDir != "/tmp/ek-data" {
		t.Errorf("data_dir = %q, want %q", cfg.Paths.DataDir, "/tmp/ek-data")
	}
}

func TestLoad_InlineValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("ring:\n  max_entries: 2000\nsafe_mode:\n  threshold: 5\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Ring.MaxEntries != 2000 {
		t.Errorf("ring.max_entries = %d, want 2000", cfg.Ring.MaxEntries)
	}
	if cfg.SafeMode.Threshold != 5 {
		t.Errorf("safe_mode.threshold = %d, want 5", cfg.SafeMode.Threshold)
	}
}

func TestApplyDefaults_SpecDefaults(t *testing.T) {
	cfg := Default()

	cases := []struct {
		name string
		got  any
		want any
	}{
		{"ring.max_entries", cfg.Ring.MaxEntries, 1000},
		{"ring.max_age", cfg.Ring.MaxAge, 5 * time.Minute},
		{"defer.ttl", cfg.Defer.TTL, 30 * time.Second},
		{"safe_mode.window", cfg.SafeMode.Window, 10 * time.Second},
		{"safe_mode.threshold", cfg.SafeMode.Threshold, 3},
		{"safe_mode.cooldown", cfg.SafeMode.Cooldown, 30 * time.Second},
		{"delivery.ack_timeout", cfg.Delivery.AckTimeout, 65 * time.Second},
		{"trigger.poll_interval", cfg.Trigger.PollInterval, time.Second},
		{"trigger.stale_processing_age", cfg.Trigger.StaleProcessingAge, 60 * time.Second},
		{"trigger.fallback_ttl", cfg.Trigger.FallbackTTL, 5 * time.Minute},
		{"trigger.fallback_cap", cfg.Trigger.FallbackCap, 2000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
			}
		})
	}
}

func TestApplyDefaults_DerivedPaths(t *testing.T) {
	cfg := &Config{}
	cfg.Paths.DataDir = "/var/lib/eventkerneld"
	cfg.applyDefaults()

	if want := "/var/lib/eventkerneld/triggers"; cfg.Trigger.Dir != want {
		t.Errorf("trigger.dir = %q, want %q", cfg.Trigger.Dir, want)
	}
	if want := "/var/lib/eventkerneld/message-state.json"; cfg.Paths.MessageStateFile != want {
		t.Errorf("paths.message_state_file = %q, want %q", cfg.Paths.MessageStateFile, want)
	}
	if want := "/var/lib/eventkerneld/contract-stats.json"; cfg.Paths.ContractStatsFile != want {
		t.Errorf("paths.contract_stats_file = %q, want %q", cfg.Paths.ContractStatsFile, want)
	}
	if want := "/var/lib/eventkerneld/bridge"; cfg.Paths.BridgeDir != want {
		t.Errorf("paths.bridge_dir = %q, want %q", cfg.Paths.BridgeDir, want)
	}
	if want := "/var/lib/eventkerneld/pty"; cfg.Paths.PtyDir != want {
		t.Errorf("paths.pty_dir = %q, want %q", cfg.Paths.PtyDir, want)
	}
}

func TestApplyDefaults_WorkerRoles(t *testing.T) {
	cfg := Default()
	if len(cfg.Trigger.WorkerRoles) != 1 || cfg.Trigger.WorkerRoles[0] != "workers" {
		t.Errorf("trigger.worker_roles = %v, want [workers]", cfg.Trigger.WorkerRoles)
	}
}

func TestValidate_RingMaxEntriesTooLow(t *testing.T) {
	cfg := Default()
	cfg.Ring.MaxEntries = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for ring.max_entries 0")
	}
}

func TestValidate_SafeModeThresholdTooLow(t *testing.T) {
	cfg := Default()
	cfg.SafeMode.Threshold = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for safe_mode.threshold 0")
	}
}

func TestValidate_FallbackCapTooLow(t *testing.T) {
	cfg := Default()
	cfg.Trigger.FallbackCap = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for trigger.fallback_cap 0")
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "not-a-level"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for bad log_level")
	}
}

func TestValidate_Default(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() config should validate cleanly, got: %v", err)
	}
}

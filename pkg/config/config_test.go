package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	c := Default()
	c.Port = 70000
	c.Timeout = 0
	c.StorageDir = ""

	err := c.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"port", "timeout", "storage"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("FT_PORT", "9100")
	t.Setenv("FT_TIMEOUT", "3")
	t.Setenv("FT_SYNC_INTERVAL", "250ms")
	t.Setenv("FT_STORAGE_DIR", "/var/lib/ft")

	c := Default()
	if err := c.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if c.Port != 9100 || c.Timeout != 3*time.Second || c.SyncInterval != 250*time.Millisecond || c.StorageDir != "/var/lib/ft" {
		t.Errorf("unexpected config: %+v", c)
	}

	t.Setenv("FT_PORT", "nope")
	if err := c.ApplyEnv(); err == nil {
		t.Error("expected error for bad FT_PORT")
	}
}

func TestFlagsOverrideDefaults(t *testing.T) {
	c := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.BindFlags(fs)
	c.BindServerFlags(fs)

	if err := fs.Parse([]string{"--port", "7100", "--timeout", "5s", "--max-sessions", "3", "--cleanup"}); err != nil {
		t.Fatal(err)
	}
	if c.Port != 7100 || c.Timeout != 5*time.Second || c.MaxSessions != 3 || !c.CleanupOnSuccess {
		t.Errorf("flags not applied: %+v", c)
	}
	if c.Addr() != "0.0.0.0:7100" {
		t.Errorf("Addr = %s", c.Addr())
	}
}

func TestValidateLogLevel(t *testing.T) {
	for _, tc := range []struct {
		level string
		ok    bool
	}{
		{"", true},
		{"debug", true},
		{"WARN", true},
		{"verbose", false},
	} {
		c := Default()
		c.LogLevel = tc.level
		err := c.Validate()
		if (err == nil) != tc.ok {
			t.Errorf("level %q: err = %v", tc.level, err)
		}
		if err != nil && !strings.Contains(err.Error(), "log level") {
			t.Errorf("level %q: error %q does not mention log level", tc.level, err)
		}
	}
}

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

// Config is the runtime configuration shared by the server and client commands.
type Config struct {
	Host       string
	Port       int
	StorageDir string

	// Timeout bounds every blocking receive of the message engine.
	Timeout time.Duration
	// SyncInterval is how long the sync loop waits for chunks before it
	// re-announces the remaining gaps.
	SyncInterval time.Duration
	// MaxHoldCount is how many consecutive receive timeouts a session sits out
	// before giving up on its peer.
	MaxHoldCount int
	// MaxSyncStalls is how many consecutive sync rounds may pass without a new
	// chunk before the transfer is abandoned.
	MaxSyncStalls int
	// RequestRetries is how often a client resends an unanswered request.
	RequestRetries int

	MaxSessions  int
	SessionRate  float64
	SessionBurst int

	TOS              int
	CleanupOnSuccess bool
	Advertise        bool

	LogDir   string
	LogLevel string
}

func Default() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           7000,
		StorageDir:     "storage",
		Timeout:        2 * time.Second,
		SyncInterval:   time.Second,
		MaxHoldCount:   5,
		MaxSyncStalls:  10,
		RequestRetries: 3,
		MaxSessions:    64,
		SessionRate:    20,
		SessionBurst:   40,
		LogDir:         "logs",
	}
}

// Addr is the host:port the service listens on.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host must not be empty"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.StorageDir == "" {
		errs = append(errs, errors.New("storage dir must not be empty"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, errors.New("sync interval must be positive"))
	}
	if c.MaxHoldCount < 1 {
		errs = append(errs, errors.New("max hold count must be at least 1"))
	}
	if c.MaxSyncStalls < 1 {
		errs = append(errs, errors.New("max sync stalls must be at least 1"))
	}
	if c.RequestRetries < 1 {
		errs = append(errs, errors.New("request retries must be at least 1"))
	}
	if c.MaxSessions < 1 {
		errs = append(errs, errors.New("max sessions must be at least 1"))
	}
	if c.SessionRate <= 0 || c.SessionBurst < 1 {
		errs = append(errs, errors.New("session rate and burst must be positive"))
	}
	if c.TOS < 0 || c.TOS > 255 {
		errs = append(errs, fmt.Errorf("tos %d out of range", c.TOS))
	}
	if c.LogLevel != "" {
		if _, err := zapcore.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
			errs = append(errs, fmt.Errorf("log level %q unknown", c.LogLevel))
		}
	}
	return multierr.Combine(errs...)
}

// BindFlags registers the shared flags on fs, using c's current values as defaults.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Host, "host", c.Host, "Host to bind")
	fs.IntVarP(&c.Port, "port", "p", c.Port, "Service UDP port")
	fs.StringVar(&c.StorageDir, "storage", c.StorageDir, "Chunk storage directory")
	fs.DurationVar(&c.Timeout, "timeout", c.Timeout, "Receive timeout")
	fs.DurationVar(&c.SyncInterval, "sync-interval", c.SyncInterval, "Wait before re-announcing missing chunks")
	fs.IntVar(&c.MaxHoldCount, "max-hold", c.MaxHoldCount, "Consecutive receive timeouts before a session is abandoned")
	fs.IntVar(&c.MaxSyncStalls, "max-stalls", c.MaxSyncStalls, "Sync rounds without progress before a transfer is abandoned")
	fs.IntVar(&c.RequestRetries, "retries", c.RequestRetries, "Request attempts before giving up")
	fs.IntVar(&c.TOS, "tos", c.TOS, "IPv4 TOS byte for outgoing datagrams (0 leaves it unset)")
	fs.StringVar(&c.LogDir, "log-dir", c.LogDir, "Log directory (empty disables the log file)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
}

// BindServerFlags registers the flags only the server uses.
func (c *Config) BindServerFlags(fs *pflag.FlagSet) {
	fs.IntVar(&c.MaxSessions, "max-sessions", c.MaxSessions, "Concurrent transfer limit")
	fs.Float64Var(&c.SessionRate, "session-rate", c.SessionRate, "New sessions admitted per second")
	fs.IntVar(&c.SessionBurst, "session-burst", c.SessionBurst, "Burst of new sessions admitted at once")
	fs.BoolVar(&c.CleanupOnSuccess, "cleanup", c.CleanupOnSuccess, "Delete stored chunks after a file is finalized")
	fs.BoolVar(&c.Advertise, "advertise", c.Advertise, "Advertise the service over mDNS")
}

// ApplyEnv overrides fields from FT_* environment variables. Flags parsed
// afterwards still win.
func (c *Config) ApplyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				// bare numbers are seconds
				n, nerr := strconv.Atoi(v)
				if nerr != nil {
					errs = append(errs, fmt.Errorf("%s: %w", key, err))
					return
				}
				d = time.Duration(n) * time.Second
			}
			*dst = d
		}
	}

	str("FT_HOST", &c.Host)
	integer("FT_PORT", &c.Port)
	str("FT_STORAGE_DIR", &c.StorageDir)
	duration("FT_TIMEOUT", &c.Timeout)
	duration("FT_SYNC_INTERVAL", &c.SyncInterval)
	integer("FT_MAX_SESSIONS", &c.MaxSessions)
	str("FT_LOG_DIR", &c.LogDir)
	str("FT_LOG_LEVEL", &c.LogLevel)
	return multierr.Combine(errs...)
}

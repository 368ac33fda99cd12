package searchcache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Unlimited disables a limit when used for MaxEntries, MaxSize or MaxAge.
const Unlimited = -1

// Config holds the cache limits.
//
// For MaxEntries, MaxSize and MaxAge a zero value disables caching altogether
// and a negative value means unlimited.
type Config struct {
	// MaxEntries is the maximum number of cached entries.
	MaxEntries int `yaml:"maxEntries" toml:"maxEntries"`

	// MaxSize is the maximum estimated size of all cached results.
	MaxSize ByteSize `yaml:"maxSize" toml:"maxSize"`

	// MaxAge is how long a finished entry may stay unused before eviction.
	MaxAge Duration `yaml:"maxAge" toml:"maxAge"`

	// MinFreeMemory is the free memory the process tries to keep available.
	// Below it, finished entries are evicted and new searches are rejected.
	MinFreeMemory ByteSize `yaml:"minFreeMemory" toml:"minFreeMemory"`

	// MaxSearchTime is how long a user may wait for an unfinished search
	// before it is aborted. Non-positive means no limit.
	MaxSearchTime Duration `yaml:"maxSearchTime" toml:"maxSearchTime"`

	// SweepInterval is the period of the background load-management sweep.
	SweepInterval Duration `yaml:"sweepInterval" toml:"sweepInterval"`

	// PollInterval is how often waiters re-check an entry.
	PollInterval Duration `yaml:"pollInterval" toml:"pollInterval"`

	// Workers is the size of the internal worker pool. 0 means 2*GOMAXPROCS.
	Workers int `yaml:"workers" toml:"workers"`
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxEntries:    100,
		MaxSize:       1 * GiB,
		MaxAge:        Duration(time.Hour),
		MinFreeMemory: 100 * MiB,
		MaxSearchTime: Duration(5 * time.Minute),
		SweepInterval: Duration(500 * time.Millisecond),
		PollInterval:  Duration(20 * time.Millisecond),
		Workers:       2 * runtime.GOMAXPROCS(0),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error

	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: sweepInterval must be positive, got %s", ErrInvalidConfig, c.SweepInterval))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: pollInterval must be positive, got %s", ErrInvalidConfig, c.PollInterval))
	}
	if c.MinFreeMemory < 0 {
		errs = append(errs, fmt.Errorf("%w: minFreeMemory must not be negative, got %d", ErrInvalidConfig, c.MinFreeMemory))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("%w: workers must not be negative, got %d", ErrInvalidConfig, c.Workers))
	}

	return errors.Join(errs...)
}

// LoadConfig reads a configuration file on top of DefaultConfig.
//
// Files ending in .toml are parsed as TOML, everything else as YAML. Unknown
// keys are an error. An empty path or a missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := decodeConfig(path, data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func decodeConfig(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ByteSize is a size in bytes that reads and writes human units ("512MB", "1 GiB").
// "unlimited" and "-1" decode to Unlimited.
type ByteSize int64

// Byte size units.
const (
	KiB ByteSize = 1 << (10 * (iota + 1))
	MiB
	GiB
)

// String formats the size with IEC units.
func (b ByteSize) String() string {
	if b < 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(b))
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if isUnlimited(s) {
		*b = Unlimited
		return nil
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return fmt.Errorf("byte size %q overflows", s)
	}
	*b = ByteSize(n)
	return nil
}

// Duration is a time.Duration that reads and writes Go duration strings
// ("500ms", "1h"). A bare integer is taken as seconds. "unlimited" and "-1"
// decode to Unlimited.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String formats the duration.
func (d Duration) String() string {
	if d < 0 {
		return "unlimited"
	}
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if isUnlimited(s) {
		*d = Unlimited
		return nil
	}

	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func isUnlimited(s string) bool {
	return s == "-1" || strings.EqualFold(s, "unlimited")
}

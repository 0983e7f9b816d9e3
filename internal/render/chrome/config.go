package chrome

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/acorn1010/render/internal/common/configtypes"
)

// Config holds the pool and page settings in resolved form.
type Config struct {
	MaxOutstanding  string // "auto" or integer string
	MaxLifetime     time.Duration
	PageTimeout     time.Duration
	SettleDebounce  time.Duration
	SettleTimeout   time.Duration
	ViewportWidth   int
	ViewportHeight  int
	LaunchTimeout   time.Duration
	ShutdownTimeout time.Duration
	ExecPath        string
}

// NewConfig converts the YAML chrome section.
func NewConfig(c configtypes.ChromeConfig) Config {
	return Config{
		MaxOutstanding:  c.MaxOutstanding,
		MaxLifetime:     c.MaxLifetime.ToDuration(),
		PageTimeout:     c.PageTimeout.ToDuration(),
		SettleDebounce:  c.SettleDebounce.ToDuration(),
		SettleTimeout:   c.SettleTimeout.ToDuration(),
		ViewportWidth:   c.ViewportWidth,
		ViewportHeight:  c.ViewportHeight,
		LaunchTimeout:   c.LaunchTimeout.ToDuration(),
		ShutdownTimeout: c.ShutdownTimeout.ToDuration(),
		ExecPath:        c.ExecPath,
	}
}

// DefaultConfig is used in tests to avoid constructing full Config structs
func DefaultConfig() Config {
	return Config{
		MaxOutstanding:  "10",
		MaxLifetime:     10 * time.Minute,
		PageTimeout:     30 * time.Second,
		SettleDebounce:  750 * time.Millisecond,
		SettleTimeout:   5 * time.Second,
		ViewportWidth:   1024,
		ViewportHeight:  768,
		LaunchTimeout:   30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	if c.MaxOutstanding != configtypes.MaxOutstandingAuto {
		n, err := strconv.Atoi(c.MaxOutstanding)
		if err != nil {
			return fmt.Errorf("%w: max outstanding must be 'auto' or an integer", ErrInvalidConfig)
		}
		if n <= 0 {
			return fmt.Errorf("%w: max outstanding must be positive", ErrInvalidConfig)
		}
	}
	if c.MaxLifetime <= 0 {
		return fmt.Errorf("%w: max lifetime must be positive", ErrInvalidConfig)
	}
	if c.PageTimeout <= 0 {
		return fmt.Errorf("%w: page timeout must be positive", ErrInvalidConfig)
	}
	if c.SettleTimeout > c.PageTimeout {
		return fmt.Errorf("%w: settle timeout exceeds page timeout", ErrInvalidConfig)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// Capacity returns the admission cap.
func (c Config) Capacity() int {
	if c.MaxOutstanding == configtypes.MaxOutstandingAuto {
		return autoCapacity()
	}
	n, err := strconv.Atoi(c.MaxOutstanding)
	if err != nil || n <= 0 {
		return autoCapacity()
	}
	return n
}

// autoCapacity sizes admissions from total RAM.
// Formula: (RAM - 2GB) / 250MB per open page, clamped to [2, 50].
func autoCapacity() int {
	total := int64(8 * 1024 * 1024 * 1024)
	if v, err := mem.VirtualMemory(); err == nil {
		total = int64(v.Total)
	}

	reserved := int64(2 * 1024 * 1024 * 1024)
	perPage := int64(250 * 1024 * 1024)

	n := int((total - reserved) / perPage)
	if n < 2 {
		n = 2
	}
	if n > 50 {
		n = 50
	}
	return n
}

// Allocator configuration.
//
// The allocator consumes an already-parsed Config; LoadConfig is the
// thin YAML front door for embedders that keep allocator profiles in
// files. Values outside the legal ranges fail initialization
// deterministically.

package rtmalloc

import (
	"errors"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"
)

// ErrBadConfig is wrapped by every configuration validation failure.
var ErrBadConfig = errors.New("rtmalloc: invalid configuration")

func errBadConfigf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadConfig, fmt.Sprintf(format, args...))
}

// ClassConfig describes one size class. Pages and Batch may be zero, in
// which case the table construction picks them: the smallest page count
// keeping chop waste at or below 12.5%, and a batch of
// min(32, max(2, objectsPerSpan/2)).
type ClassConfig struct {
	Size  uintptr `yaml:"size"`
	Pages uintptr `yaml:"pages,omitempty"`
	Batch int     `yaml:"batch,omitempty"`
}

// Config carries everything New needs. The zero value of any field
// means "use the default".
type Config struct {
	// PageSize is the backend bookkeeping unit: a power of two, at
	// least 4096.
	PageSize uintptr `yaml:"page_size"`

	// ThreadCacheSizeMax caps the bytes one frontend slot may cache
	// across all size classes.
	ThreadCacheSizeMax uintptr `yaml:"thread_cache_size_max"`

	// MaxTransferSlots bounds each size class's transfer cache, in
	// batches.
	MaxTransferSlots int `yaml:"max_transfer_slots"`

	// MaxPagesBucket bounds the exact-length page heap buckets: free
	// spans shorter than this many pages get one; spans this long or
	// longer go to the overflow list.
	MaxPagesBucket int `yaml:"max_pages_bucket"`

	// MinGrowPages is the smallest run, in pages, reserved from the
	// platform when the heap grows. Must be a power of two.
	MinGrowPages uintptr `yaml:"min_grow_pages"`

	// Classes is the size class table, sorted ascending. Empty means
	// the stock table.
	Classes []ClassConfig `yaml:"classes,omitempty"`

	// Slots overrides the number of frontend slots. Zero means one
	// per cpu. The count is rounded up to a power of two.
	Slots int `yaml:"slots,omitempty"`

	// Logger receives slow-path diagnostics (heap growth, reservation
	// failure, scavenge summaries). Nil disables.
	Logger *slog.Logger `yaml:"-"`

	// Hooks are the telemetry taps. Nil members disable.
	Hooks Hooks `yaml:"-"`

	// platform substitutes the OS adapter; tests use it to pin the
	// frontend slot or count reservations.
	platform platform
}

// DefaultConfig returns the stock configuration: 8KiB pages, a 2MiB
// per-slot cache budget, and the built-in class table.
func DefaultConfig() Config {
	return Config{
		PageSize:           8 << 10,
		ThreadCacheSizeMax: 2 << 20,
		MaxTransferSlots:   32,
		MaxPagesBucket:     128,
		MinGrowPages:       128,
	}
}

// LoadConfig parses a YAML document into a Config, with unset fields
// taking their defaults.
func LoadConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errBadConfigf("parse: %v", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	def := DefaultConfig()
	if cfg.PageSize == 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.ThreadCacheSizeMax == 0 {
		cfg.ThreadCacheSizeMax = def.ThreadCacheSizeMax
	}
	if cfg.MaxTransferSlots == 0 {
		cfg.MaxTransferSlots = def.MaxTransferSlots
	}
	if cfg.MaxPagesBucket == 0 {
		cfg.MaxPagesBucket = def.MaxPagesBucket
	}
	if cfg.MinGrowPages == 0 {
		cfg.MinGrowPages = def.MinGrowPages
	}
	if cfg.platform == nil {
		cfg.platform = new(sysPlatform)
	}
}

func (cfg *Config) validate() error {
	switch {
	case cfg.PageSize < 4096 || cfg.PageSize > 1<<20:
		return errBadConfigf("page_size %d outside [4096, 1MiB]", cfg.PageSize)
	case cfg.PageSize&(cfg.PageSize-1) != 0:
		return errBadConfigf("page_size %d not a power of two", cfg.PageSize)
	case cfg.MaxTransferSlots < 0:
		return errBadConfigf("max_transfer_slots %d negative", cfg.MaxTransferSlots)
	case cfg.MaxPagesBucket < 2 || cfg.MaxPagesBucket > 4096:
		return errBadConfigf("max_pages_bucket %d outside [2, 4096]", cfg.MaxPagesBucket)
	case cfg.MinGrowPages == 0 || cfg.MinGrowPages&(cfg.MinGrowPages-1) != 0:
		return errBadConfigf("min_grow_pages %d not a power of two", cfg.MinGrowPages)
	case cfg.ThreadCacheSizeMax < cfg.PageSize:
		return errBadConfigf("thread_cache_size_max %d below page_size", cfg.ThreadCacheSizeMax)
	case cfg.Slots < 0:
		return errBadConfigf("slots %d negative", cfg.Slots)
	}
	return nil
}

// classEntries returns the configured table, or the stock one.
func (cfg *Config) classEntries() []ClassConfig {
	if len(cfg.Classes) > 0 {
		return cfg.Classes
	}
	entries := make([]ClassConfig, len(defaultClassSizes))
	for i, s := range defaultClassSizes {
		entries[i] = ClassConfig{Size: s}
	}
	return entries
}

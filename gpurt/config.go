package gpurt

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Environment variables that override the configuration, see Config.ApplyEnv.
const (
	CacheCapacityEnv = "GPURT_CACHE_CAPACITY"
	BackendsEnv      = "GPURT_BACKENDS"
	DeviceFilterEnv  = "GPURT_DEVICE_FILTER"
)

// Config configures pools and caches. The zero value is not valid, start from DefaultConfig.
type Config struct {
	// CacheCapacity is the capacity of caches created with NewCache.
	CacheCapacity int `yaml:"cache_capacity"`

	// Backends lists the names of the probes (see RegisterProbe) used to populate pools, in order.
	// If empty, all registered probes are used.
	Backends []string `yaml:"backends"`

	// DeviceFilter, if set, keeps only devices whose name contains it (case-insensitive).
	DeviceFilter string `yaml:"device_filter"`

	// DownloadTimeout, if positive, is how long backends wait for a download before failing it with
	// ErrCompletion. The default 0 waits until the transfer completes or fails.
	DownloadTimeout time.Duration `yaml:"download_timeout"`

	// HostDevices is the number of devices the host (software) backend exposes.
	HostDevices int `yaml:"host_devices"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		CacheCapacity: DefaultCacheCapacity,
		HostDevices:   1,
	}
}

// ParseConfig parses a YAML configuration. Fields not present keep their default value.
func ParseConfig(data []byte) (Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, errors.Wrap(err, "failed to parse gpurt configuration")
	}
	if config.CacheCapacity <= 0 {
		return config, errors.Wrapf(ErrInvalidArgument, "cache_capacity must be positive, got %d", config.CacheCapacity)
	}
	return config, nil
}

// LoadConfig reads a YAML configuration file, and applies the environment overrides to it.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig(), errors.Wrapf(err, "failed to read gpurt configuration from %q", path)
	}
	config, err := ParseConfig(data)
	if err != nil {
		return config, errors.WithMessagef(err, "configuration file %q", path)
	}
	return config.ApplyEnv()
}

// ConfigFromEnv returns DefaultConfig with the environment overrides applied.
// Invalid environment values are logged and ignored.
func ConfigFromEnv() Config {
	config, err := DefaultConfig().ApplyEnv()
	if err != nil {
		klog.Errorf("gpurt: ignoring invalid environment configuration: %+v", err)
		return DefaultConfig()
	}
	return config
}

// ApplyEnv returns a copy of the configuration overridden by the environment variables
// GPURT_CACHE_CAPACITY, GPURT_BACKENDS (comma separated) and GPURT_DEVICE_FILTER.
func (c Config) ApplyEnv() (Config, error) {
	if value, found := os.LookupEnv(CacheCapacityEnv); found {
		capacity, err := strconv.Atoi(value)
		if err != nil || capacity <= 0 {
			return c, errors.Wrapf(ErrInvalidArgument, "$%s=%q is not a positive integer", CacheCapacityEnv, value)
		}
		c.CacheCapacity = capacity
	}
	if value, found := os.LookupEnv(BackendsEnv); found {
		c.Backends = nil
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				c.Backends = append(c.Backends, name)
			}
		}
	}
	if value, found := os.LookupEnv(DeviceFilterEnv); found {
		c.DeviceFilter = value
	}
	return c, nil
}

// NewPool creates an uninitialized pool using this configuration to probe devices.
func (c Config) NewPool() *Pool {
	p := NewPool()
	p.config = c
	return p
}

// NewCache creates an empty cache with the configured capacity.
func (c Config) NewCache() *LRUCache {
	return NewLRUCache(c.CacheCapacity)
}

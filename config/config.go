package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"github.com/mit-pdos/inodefs/cache"
	"github.com/mit-pdos/inodefs/common"
	"github.com/mit-pdos/inodefs/util"
)

const (
	envVarPrefix = "INODEFS"

	// a formatted image needs the free-map record and room for its bitmap,
	// and the bitmap must fit in one file
	MinSectors uint64 = 8
	MaxSectors uint64 = common.MAXFILESIZE * 8
)

type Config struct {
	Image       string `envconfig:"IMAGE"        yaml:"image"`
	Sectors     uint64 `envconfig:"SECTORS"      yaml:"sectors"`
	CacheFrames uint64 `envconfig:"CACHE_FRAMES" yaml:"cacheFrames"`
	WriteBack   bool   `envconfig:"WRITE_BACK"   yaml:"writeBack"`
	Prefetch    bool   `envconfig:"PREFETCH"     yaml:"prefetch"`
	Debug       uint64 `envconfig:"DEBUG"        yaml:"debug"`
}

func Default() *Config {
	return &Config{CacheFrames: cache.DefaultFrames}
}

// Load reads the YAML file at path, if any, and then overlays INODEFS_*
// environment variables. An empty path falls back to $INODEFS_CONFIG_FILE.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(envVarPrefix + "_CONFIG_FILE")
	}

	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, c); err != nil {
			return nil, fmt.Errorf("unmarshaling config file: %w", err)
		}
	}

	if err := envconfig.Process(envVarPrefix, c); err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.CacheFrames == 0 {
		return fmt.Errorf("invalid configuration: cacheFrames / %s_CACHE_FRAMES must be positive",
			envVarPrefix)
	}
	if c.Sectors != 0 && (c.Sectors < MinSectors || c.Sectors > MaxSectors) {
		return fmt.Errorf("invalid configuration: sectors / %s_SECTORS must be in [%d, %d], got %d",
			envVarPrefix, MinSectors, MaxSectors, c.Sectors)
	}
	return nil
}

// RequireImage reports a missing image path the way missing settings are
// reported.
func (c *Config) RequireImage() error {
	if c.Image == "" {
		return fmt.Errorf("missing required configuration: image / %s_IMAGE", envVarPrefix)
	}
	return nil
}

func (c *Config) CacheOpts() cache.Opts {
	return cache.Opts{
		Frames:    c.CacheFrames,
		WriteBack: c.WriteBack,
		Prefetch:  c.Prefetch,
	}
}

// Apply sets process-wide settings: the debug level.
func (c *Config) Apply() {
	util.Debug = c.Debug
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Cache    CacheConfig    `yaml:"cache"`
	Auth     AuthConfig     `yaml:"auth"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type StorageConfig struct {
	DataDir string `yaml:"dataDir"`
	// MetaBackend selects the metadata store: "sqlite" or "leveldb".
	MetaBackend string `yaml:"metaBackend"`
}

type UpstreamConfig struct {
	URL          string   `yaml:"url"`
	FetchTimeout Duration `yaml:"fetchTimeout"`
}

type CacheConfig struct {
	// Backend selects the response cache: "memory" or "disk".
	Backend string   `yaml:"backend"`
	Dir     string   `yaml:"dir"`
	MaxAge  Duration `yaml:"maxAge"`
}

type AuthConfig struct {
	Uploaders []UploaderToken `yaml:"uploaders"`
}

// UploaderToken maps a bearer token to the uploader email it authenticates.
type UploaderToken struct {
	Token string `yaml:"token"`
	Email string `yaml:"email"`
}

// Duration parses Go duration strings like "2m" or "90s" from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{
		Server:  ServerConfig{Port: 8080},
		Storage: StorageConfig{DataDir: "./data", MetaBackend: "sqlite"},
		Upstream: UpstreamConfig{
			URL:          "https://pub.dev",
			FetchTimeout: Duration(2 * time.Minute),
		},
		Cache: CacheConfig{Backend: "memory", MaxAge: Duration(10 * time.Minute)},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	switch cfg.Storage.MetaBackend {
	case "sqlite", "leveldb":
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", cfg.Storage.MetaBackend)
	}

	switch cfg.Cache.Backend {
	case "memory":
	case "disk":
		if cfg.Cache.Dir == "" {
			return nil, fmt.Errorf("cache.dir is required for the disk cache backend")
		}
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}

	if len(cfg.Auth.Uploaders) == 0 {
		return nil, fmt.Errorf("no uploader tokens configured")
	}
	for _, u := range cfg.Auth.Uploaders {
		if u.Token == "" || u.Email == "" {
			return nil, fmt.Errorf("uploader entries require both token and email")
		}
	}

	return cfg, nil
}

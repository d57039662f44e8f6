// Package config loads the settings of the pyxm command from a YAML file,
// .env files and PYXM_* environment variables, in increasing precedence.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"gitlab.com/tozd/go/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/nexaweb/pyxm"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PYXM_"

// Config is the complete command configuration.
type Config struct {
	Engine    pyxm.Config `yaml:"engine"`
	Templates Templates   `yaml:"templates"`
	Server    Server      `yaml:"server"`
	LogLevel  string      `yaml:"log_level"`
}

// Templates selects where templates are loaded from. Sources are searched
// in the order redis, database, paths.
type Templates struct {
	Paths       []string `yaml:"paths"`
	Extension   string   `yaml:"extension"`
	Database    string   `yaml:"database"`
	RedisAddr   string   `yaml:"redis_addr"`
	RedisPrefix string   `yaml:"redis_prefix"`
}

// Server configures the preview server.
type Server struct {
	Listen          string        `yaml:"listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Engine: pyxm.DefaultConfig(),
		Templates: Templates{
			Paths:     []string{"templates"},
			Extension: ".pyxm",
		},
		Server: Server{
			Listen:          "127.0.0.1:8080",
			ShutdownTimeout: 5 * time.Second,
		},
		LogLevel: "info",
	}
}

// Loader reads configuration. The zero value is not usable, use NewLoader.
type Loader struct {
	FS        afero.Fs
	LookupEnv func(key string) (string, bool)
	// EnvFiles are read in order when they exist. Earlier files win, and
	// the process environment wins over all of them.
	EnvFiles []string
}

// NewLoader returns a loader over the host filesystem and environment.
func NewLoader() *Loader {
	return &Loader{
		FS:        afero.NewOsFs(),
		LookupEnv: os.LookupEnv,
		EnvFiles:  []string{".env"},
	}
}

// Load reads the configuration with NewLoader. An empty path skips the
// YAML file.
func Load(path string) (Config, error) {
	return NewLoader().Load(path)
}

// Load reads path over the defaults, applies .env files and environment
// overrides and validates the result. All problems are reported together.
func (l *Loader) Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := afero.ReadFile(l.FS, path)
		if err != nil {
			return cfg, errors.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Errorf("parse config %s: %w", path, err)
		}
	}

	dotenv, err := l.readEnvFiles()
	if err != nil {
		return cfg, err
	}
	lookup := func(key string) (string, bool) {
		if l.LookupEnv != nil {
			if v, ok := l.LookupEnv(key); ok {
				return v, true
			}
		}
		v, ok := dotenv[key]
		return v, ok
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (l *Loader) readEnvFiles() (map[string]string, error) {
	values := map[string]string{}
	for _, name := range l.EnvFiles {
		f, err := l.FS.Open(name)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, errors.Errorf("open %s: %w", name, err)
		}
		parsed, err := godotenv.Parse(f)
		_ = f.Close()
		if err != nil {
			return nil, errors.Errorf("parse %s: %w", name, err)
		}
		for k, v := range parsed {
			if _, ok := values[k]; !ok {
				values[k] = v
			}
		}
	}
	return values, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = multierr.Append(errs, errors.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = n
	}
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = multierr.Append(errs, errors.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = d
	}
	text := func(key string, dst interface{ UnmarshalText([]byte) error }) {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return
		}
		if err := dst.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
			errs = multierr.Append(errs, errors.Errorf("%s%s: %w", EnvPrefix, key, err))
		}
	}
	flag := func(key string, dst *bool) {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = multierr.Append(errs, errors.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = b
	}

	text("ESCAPE", &cfg.Engine.Escape)
	text("UNDEFINED", &cfg.Engine.Undefined)
	num("MAX_DEPTH", &cfg.Engine.Limits.MaxDepth)
	num("MAX_STEPS", &cfg.Engine.Limits.MaxSteps)
	num("MAX_INCLUDE_DEPTH", &cfg.Engine.Limits.MaxIncludeDepth)
	num("MAX_STRING_LENGTH", &cfg.Engine.Limits.MaxStringLength)
	num("MAX_COLLECTION_SIZE", &cfg.Engine.Limits.MaxCollectionSize)
	num("CACHE_SIZE", &cfg.Engine.Cache.Size)
	dur("CACHE_TTL", &cfg.Engine.Cache.TTL)
	flag("TRIM_BLOCKS", &cfg.Engine.Whitespace.TrimBlocks)
	flag("LSTRIP_BLOCKS", &cfg.Engine.Whitespace.LstripBlocks)
	str("RESERVED_PREFIX", &cfg.Engine.ReservedPrefix)

	if v, ok := lookup(EnvPrefix + "TEMPLATE_PATHS"); ok {
		cfg.Templates.Paths = splitList(v)
	}
	str("TEMPLATE_EXTENSION", &cfg.Templates.Extension)
	str("DATABASE", &cfg.Templates.Database)
	str("REDIS_ADDR", &cfg.Templates.RedisAddr)
	str("REDIS_PREFIX", &cfg.Templates.RedisPrefix)
	str("LISTEN", &cfg.Server.Listen)
	dur("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	str("LOG_LEVEL", &cfg.LogLevel)
	return errs
}

// splitList splits a comma or path-list separated value.
func splitList(v string) []string {
	fields := strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == os.PathListSeparator
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs error
	nonNegative := func(name string, v int) {
		if v < 0 {
			errs = multierr.Append(errs, errors.Errorf("%s must not be negative, got %d", name, v))
		}
	}
	l := c.Engine.Limits
	nonNegative("engine.limits.max_depth", l.MaxDepth)
	nonNegative("engine.limits.max_steps", l.MaxSteps)
	nonNegative("engine.limits.max_include_depth", l.MaxIncludeDepth)
	nonNegative("engine.limits.max_string_length", l.MaxStringLength)
	nonNegative("engine.limits.max_collection_size", l.MaxCollectionSize)
	nonNegative("engine.cache.size", c.Engine.Cache.Size)
	if c.Engine.Cache.TTL < 0 {
		errs = multierr.Append(errs, errors.Errorf("engine.cache.ttl must not be negative, got %s", c.Engine.Cache.TTL))
	}
	if len(c.Templates.Paths) == 0 && c.Templates.Database == "" && c.Templates.RedisAddr == "" {
		errs = multierr.Append(errs, errors.New("no template source configured: set templates.paths, templates.database or templates.redis_addr"))
	}
	if c.Templates.Extension != "" && !strings.HasPrefix(c.Templates.Extension, ".") {
		errs = multierr.Append(errs, errors.Errorf("templates.extension must start with a dot, got %q", c.Templates.Extension))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = multierr.Append(errs, errors.Errorf("log_level: %w", err))
	}
	return errs
}

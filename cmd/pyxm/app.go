package main

import (
	"context"
	"io"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
	"go.uber.org/multierr"

	"github.com/nexaweb/pyxm"
	"github.com/nexaweb/pyxm/internal/config"
	"github.com/nexaweb/pyxm/resolver"
)

// app holds state shared by every subcommand.
type app struct {
	fs afero.Fs

	configPath string
	logLevel   string
	dirs       []string
	database   string
	redisAddr  string
	escape     string
	strict     bool

	cfg config.Config
}

func newApp() *app {
	return &app{fs: afero.NewOsFs()}
}

func (me *app) bindFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVarP(&me.configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&me.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flags.StringSliceVarP(&me.dirs, "templates", "t", nil, "template search path, may be repeated")
	flags.StringVar(&me.database, "db", "", "SQLite database holding templates")
	flags.StringVar(&me.redisAddr, "redis", "", "Redis address holding templates")
	flags.StringVar(&me.escape, "escape", "", "escape mode (markup, plain, raw)")
	flags.BoolVar(&me.strict, "strict", false, "fail on undefined variables")
}

// setup loads the configuration, applies flag overrides and installs the
// logger on the command context.
func (me *app) setup(cmd *cobra.Command) error {
	loader := config.NewLoader()
	loader.FS = me.fs
	cfg, err := loader.Load(me.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = me.logLevel
	}
	if flags.Changed("templates") {
		cfg.Templates.Paths = me.dirs
	}
	if flags.Changed("db") {
		cfg.Templates.Database = me.database
	}
	if flags.Changed("redis") {
		cfg.Templates.RedisAddr = me.redisAddr
	}
	if flags.Changed("escape") {
		if err := cfg.Engine.Escape.UnmarshalText([]byte(me.escape)); err != nil {
			return err
		}
	}
	if flags.Changed("strict") && me.strict {
		cfg.Engine.Undefined = pyxm.UndefinedStrict
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	me.cfg = cfg

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.WithStack(err)
	}
	logger := newLogger(cmd.ErrOrStderr(), level)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(logger.WithContext(ctx))
	return nil
}

func newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	if f, ok := w.(*os.File); ok && f == os.Stderr {
		w = zerolog.ConsoleWriter{Out: f, TimeFormat: "15:04:05"}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// engine builds an engine over the configured template sources. The
// returned function releases database and Redis connections.
func (me *app) engine(ctx context.Context) (*pyxm.Engine, func() error, error) {
	var (
		chain   pyxm.ChainResolver
		closers []io.Closer
	)
	closeAll := func() error {
		var errs error
		for _, c := range closers {
			errs = multierr.Append(errs, c.Close())
		}
		return errs
	}

	t := me.cfg.Templates
	if t.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: t.RedisAddr})
		closers = append(closers, client)
		chain = append(chain, resolver.NewRedis(client, t.RedisPrefix))
	}
	if t.Database != "" {
		db, err := resolver.OpenSQLite(ctx, t.Database)
		if err != nil {
			return nil, nil, multierr.Append(err, closeAll())
		}
		closers = append(closers, db)
		chain = append(chain, db)
	}
	if len(t.Paths) > 0 {
		files := resolver.NewFS(me.fs, t.Paths...)
		files.Extension = t.Extension
		chain = append(chain, files)
	}

	zerolog.Ctx(ctx).Debug().
		Strs("paths", t.Paths).
		Str("database", t.Database).
		Str("redis", t.RedisAddr).
		Msg("template sources configured")

	return pyxm.New(me.cfg.Engine, chain), closeAll, nil
}

package main

import (
	"bytes"
	"context"
	"io"

	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"
)

type renderHandler struct {
	app *app

	dataPath string
	inline   string
	out      string
	stream   bool

	stdout io.Writer
}

func NewRenderCommand(a *app) *cobra.Command {
	me := &renderHandler{app: a}

	cmd := &cobra.Command{
		Use:   "render <template>",
		Short: "render a template with YAML or JSON data",
		Args:  cobra.ExactArgs(1),
	}

	cmd.Flags().StringVarP(&me.dataPath, "data", "d", "", "YAML or JSON file with the render context")
	cmd.Flags().StringVar(&me.inline, "set", "", "inline YAML mapping merged over --data")
	cmd.Flags().StringVarP(&me.out, "out", "o", "", "write output to this file atomically instead of stdout")
	cmd.Flags().BoolVar(&me.stream, "stream", false, "write output chunks as they are rendered")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		me.stdout = cmd.OutOrStdout()
		return me.Run(cmd.Context(), args[0])
	}

	return cmd
}

func (me *renderHandler) Run(ctx context.Context, name string) error {
	vars, err := me.loadData()
	if err != nil {
		return err
	}

	engine, closeSources, err := me.app.engine(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeSources(); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("closing template sources")
		}
	}()

	if me.stream && me.out == "" {
		for chunk, err := range engine.RenderTemplateStream(ctx, name, vars) {
			if err != nil {
				return err
			}
			if _, err := io.WriteString(me.stdout, chunk); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	}

	var buf bytes.Buffer
	if err := engine.RenderTo(ctx, &buf, name, vars); err != nil {
		return err
	}

	if me.out == "" {
		_, err := me.stdout.Write(buf.Bytes())
		return errors.WithStack(err)
	}
	if err := atomic.WriteFile(me.out, &buf); err != nil {
		return errors.Errorf("write %s: %w", me.out, err)
	}
	zerolog.Ctx(ctx).Info().Str("template", name).Str("out", me.out).Msg("rendered")
	return nil
}

// loadData reads the render context. Keys from --set replace keys from
// --data.
func (me *renderHandler) loadData() (map[string]any, error) {
	vars := map[string]any{}
	if me.dataPath != "" {
		raw, err := afero.ReadFile(me.app.fs, me.dataPath)
		if err != nil {
			return nil, errors.Errorf("read data %s: %w", me.dataPath, err)
		}
		if err := yaml.Unmarshal(raw, &vars); err != nil {
			return nil, errors.Errorf("parse data %s: %w", me.dataPath, err)
		}
	}
	if me.inline != "" {
		var extra map[string]any
		if err := yaml.Unmarshal([]byte(me.inline), &extra); err != nil {
			return nil, errors.Errorf("parse --set: %w", err)
		}
		for k, v := range extra {
			vars[k] = v
		}
	}
	return vars, nil
}

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
)

type checkHandler struct {
	app *app

	verbose bool
	stdout  io.Writer
}

func NewCheckCommand(a *app) *cobra.Command {
	me := &checkHandler{app: a}

	cmd := &cobra.Command{
		Use:   "check [pattern...]",
		Short: "compile templates and report every error",
		Long: "Compile all templates matching the given doublestar patterns " +
			"(all templates when none are given) and print each failure with " +
			"its source excerpt.",
	}

	cmd.Flags().BoolVarP(&me.verbose, "verbose", "v", false, "print the names of templates that compiled")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		me.stdout = cmd.OutOrStdout()
		return me.Run(cmd.Context(), args)
	}

	return cmd
}

func (me *checkHandler) Run(ctx context.Context, patterns []string) error {
	engine, closeSources, err := me.app.engine(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeSources(); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("closing template sources")
		}
	}()

	err = engine.Preload(ctx, patterns...)

	var failures *multierror.Error
	if err != nil && !errors.As(err, &failures) {
		return err
	}
	if me.verbose {
		fmt.Fprintf(me.stdout, "%d templates compiled\n", engine.Cache().Len())
	}
	if failures == nil || len(failures.Errors) == 0 {
		return nil
	}
	for _, failure := range failures.Errors {
		fmt.Fprintf(me.stdout, "%+v\n\n", failure)
	}
	return errors.Errorf("%d templates failed to compile", len(failures.Errors))
}

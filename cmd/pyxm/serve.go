package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/nexaweb/pyxm"
)

const requestIDHeader = "X-Request-Id"

// maxBodySize bounds POSTed render contexts.
const maxBodySize = 1 << 20

type serveHandler struct {
	app *app

	listen  string
	preload bool
}

func NewServeCommand(a *app) *cobra.Command {
	me := &serveHandler{app: a}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve rendered templates over HTTP for previewing",
		Args:  cobra.NoArgs,
	}

	cmd.Flags().StringVarP(&me.listen, "listen", "l", "", "listen address, overrides server.listen")
	cmd.Flags().BoolVar(&me.preload, "preload", false, "compile every template before accepting requests")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return me.Run(cmd.Context())
	}

	return cmd
}

func (me *serveHandler) Run(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	engine, closeSources, err := me.app.engine(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeSources(); err != nil {
			logger.Warn().Err(err).Msg("closing template sources")
		}
	}()

	if me.preload {
		if err := engine.Preload(ctx); err != nil {
			return err
		}
		logger.Info().Int("templates", engine.Cache().Len()).Msg("templates preloaded")
	}

	addr := me.listen
	if addr == "" {
		addr = me.app.cfg.Server.Listen
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(engine),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Errorf("listen %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), me.app.cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info().Msg("shutting down")
		return errors.WithStack(srv.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

type server struct {
	engine *pyxm.Engine
}

// newRouter serves the engine's templates:
//
//	GET  /healthz
//	GET  /stats              cache statistics
//	GET  /templates          template names, when the resolver can list them
//	GET  /render/{name}      query parameters become the context
//	POST /render/{name}      a YAML or JSON body becomes the context
func newRouter(engine *pyxm.Engine) http.Handler {
	s := &server{engine: engine}

	r := mux.NewRouter()
	r.Use(requestLogger)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/templates", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/render/{name:.+}", s.handleRender).Methods(http.MethodGet, http.MethodPost)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestLogger tags each request with an ID, carries a logger with that ID
// in the request context and logs the outcome.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		logger := zerolog.Ctx(r.Context()).With().Str("request_id", id).Logger()
		r = r.WithContext(logger.WithContext(r.Context()))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.engine.Cache().Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"hits":      stats.Hits,
		"misses":    stats.Misses,
		"compiles":  stats.Compiles,
		"evictions": stats.Evictions,
		"entries":   stats.Entries,
	})
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.engine.Resolver().(pyxm.Lister)
	if !ok {
		http.Error(w, "template listing not supported", http.StatusNotImplemented)
		return
	}
	names, err := lister.List(r.Context())
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("listing templates")
		http.Error(w, "listing templates failed", http.StatusInternalServerError)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *server) handleRender(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	ctx := r.Context()

	vars, err := requestVars(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var buf bytes.Buffer
	if err := s.engine.RenderTo(ctx, &buf, name, vars); err != nil {
		status := errorStatus(err)
		if status >= http.StatusInternalServerError {
			zerolog.Ctx(ctx).Error().Err(err).Str("template", name).Msg("render failed")
		}
		http.Error(w, err.Error(), status)
		return
	}

	contentType := "text/plain; charset=utf-8"
	if s.engine.Config().Escape == pyxm.EscapeMarkup {
		contentType = "text/html; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(buf.Bytes())
}

// requestVars builds the render context from the query string, or from the
// body of a POST. Repeated query parameters become lists.
func requestVars(r *http.Request) (map[string]any, error) {
	vars := map[string]any{}
	if r.Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			return nil, errors.Errorf("reading body: %w", err)
		}
		if len(bytes.TrimSpace(body)) > 0 {
			if err := yaml.Unmarshal(body, &vars); err != nil {
				return nil, errors.Errorf("body must be a YAML or JSON mapping: %w", err)
			}
		}
		return vars, nil
	}
	for key, values := range r.URL.Query() {
		if len(values) == 1 {
			vars[key] = values[0]
			continue
		}
		list := make([]any, len(values))
		for i, v := range values {
			list[i] = v
		}
		vars[key] = list
	}
	return vars, nil
}

func errorStatus(err error) int {
	kind := pyxm.KindOf(err)
	switch {
	case kind == pyxm.ErrTemplateNotFound:
		return http.StatusNotFound
	case kind.IsSyntax():
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

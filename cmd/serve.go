package cmd

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samsaffron/docpilot/internal/agent"
	"github.com/samsaffron/docpilot/internal/mcp"
	"github.com/samsaffron/docpilot/internal/metrics"
	"github.com/samsaffron/docpilot/internal/signal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serveHost  string
	servePort  int
	serveToken string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP backend",
	Long: `Run the HTTP backend used by the document editor front end.

Endpoints:
  POST /setup           connect to the tool server and reset the session
  POST /message         run a query, streaming NDJSON events
  POST /cancel          cancel the active run
  POST /clear_context   forget the running context
  GET  /status
  GET  /healthz
  GET  /metrics         (when serve.metrics is enabled)`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Bind host (overrides serve.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Bind port (overrides serve.port)")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "Bearer token for API auth (overrides serve.token)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Serve.Host = serveHost
	}
	if servePort != 0 {
		if servePort < 0 || servePort > 65535 {
			return fmt.Errorf("invalid --port %d (must be 1-65535)", servePort)
		}
		cfg.Serve.Port = servePort
	}
	if serveToken != "" {
		cfg.Serve.Token = serveToken
	}

	var collector *metrics.Collector
	if cfg.Serve.Metrics {
		collector = metrics.NewCollector()
	}
	rt, err := newRuntime(cfg, collector)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext()
	defer stop()

	s := &serveServer{
		cfg: serveServerConfig{
			token:       strings.TrimSpace(cfg.Serve.Token),
			corsOrigins: append([]string(nil), cfg.Serve.CORSOrigins...),
		},
		baseCtx: ctx,
		session: rt.session,
		tools:   rt.tools,
		metrics: collector,
		log:     rt.log,
	}

	// The front end normally calls /setup first; connecting eagerly makes a
	// bare /message work too.
	if err := rt.tools.Start(ctx); err != nil {
		rt.log.Warn().Err(err).Msg("tool server not reachable yet; POST /setup to retry")
	}

	addr := net.JoinHostPort(cfg.Serve.Host, strconv.Itoa(cfg.Serve.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	rt.log.Info().
		Str("addr", "http://"+addr).
		Str("model", cfg.Anthropic.Model).
		Str("tools", cfg.MCP.URL).
		Bool("auth", s.cfg.token != "").
		Msg("docpilot serve listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Let an in-flight run reach its next boundary and finish its stream.
		rt.session.Cancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// toolConnector is the tool provider plus its connection lifecycle.
type toolConnector interface {
	agent.ToolProvider
	Start(ctx context.Context) error
	IsRunning() bool
}

type serveServerConfig struct {
	token       string // empty disables auth
	corsOrigins []string
}

type serveServer struct {
	cfg serveServerConfig
	// baseCtx outlives requests; tool server connections are bound to it.
	baseCtx context.Context
	session *agent.Session
	tools   toolConnector
	metrics *metrics.Collector
	log     zerolog.Logger
}

func (s *serveServer) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	for _, path := range []string{"/setup", "/setup/"} {
		mux.HandleFunc(path, s.cors(s.auth(s.handleSetup)))
	}
	for _, path := range []string{"/message", "/message/"} {
		mux.HandleFunc(path, s.cors(s.auth(s.handleMessage)))
	}
	mux.HandleFunc("/cancel", s.cors(s.auth(s.handleCancel)))
	mux.HandleFunc("/clear_context", s.cors(s.auth(s.handleClearContext)))
	mux.HandleFunc("/status", s.cors(s.auth(s.handleStatus)))
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return s.logRequests(mux)
}

func (s *serveServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *serveServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"tools_connected": s.tools.IsRunning(),
	})
}

func (s *serveServer) handleSetup(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	// The tool session is replaced and the totals reset, so no run may
	// start until setup is done.
	var specs []mcp.ToolSpec
	err := s.session.Exclusive(func() error {
		if err := s.tools.Start(s.baseCtx); err != nil {
			return err
		}
		listed, err := s.tools.ListTools(r.Context())
		if err != nil {
			return err
		}
		specs = listed
		s.session.Reset()
		return nil
	})
	switch {
	case errors.Is(err, agent.ErrSessionBusy):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.log.Error().Err(err).Msg("setup failed")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		names = append(names, spec.Name)
	}
	s.log.Info().Strs("tools", names).Msg("tool server connected")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tools": names})
}

func (s *serveServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := requireJSONContentType(r); err != nil {
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
		return
	}
	var req agent.RunRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, agent.ErrEmptyQuery.Error())
		return
	}
	if !s.tools.IsRunning() {
		writeError(w, http.StatusServiceUnavailable, "tool server not connected; POST /setup first")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	// A client disconnect cancels r.Context(). The run finishes its in-flight
	// call and ends as cancelled at the next boundary.
	_, err := s.session.Run(r.Context(), req, agent.NewNDJSONWriter(w))
	switch {
	case errors.Is(err, agent.ErrSessionBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, agent.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, err.Error())
	}
	// Any other error has already been streamed as an error event.
}

func (s *serveServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	cancelled := s.session.Cancel()
	if cancelled {
		s.log.Info().Msg("cancellation requested")
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

func (s *serveServer) handleClearContext(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	s.session.ClearContext()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "context": agent.NoPriorContext})
}

func (s *serveServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.session.Status())
}

func (s *serveServer) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) {
			writeError(w, http.StatusUnauthorized, "invalid authentication credentials")
			return
		}
		got := strings.TrimSpace(strings.TrimPrefix(header, prefix))
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid authentication credentials")
			return
		}
		next(w, r)
	}
}

// cors answers preflight requests before auth so browsers can send the token.
func (s *serveServer) cors(next http.HandlerFunc) http.HandlerFunc {
	allowed := make(map[string]struct{}, len(s.cfg.corsOrigins))
	allowAll := false
	for _, origin := range s.cfg.corsOrigins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		if o == "*" {
			allowAll = true
			continue
		}
		allowed[o] = struct{}{}
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 10<<20))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}

func requireJSONContentType(r *http.Request) error {
	contentType := r.Header.Get("Content-Type")
	if strings.TrimSpace(contentType) == "" {
		return fmt.Errorf("Content-Type must be application/json")
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("invalid Content-Type header")
	}
	if mediaType != "application/json" {
		return fmt.Errorf("Content-Type must be application/json")
	}
	return nil
}

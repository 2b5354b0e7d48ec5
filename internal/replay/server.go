// Package replay serves archived sites over HTTP, rewriting HTML and CSS on
// the fly so that links stay inside the archive.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sigman78/wayback-replay/internal/metrics"
	"github.com/sigman78/wayback-replay/internal/rewrite"
	"github.com/sigman78/wayback-replay/internal/wayback"
)

// Target kinds.
const (
	TargetServe   = "serve"
	TargetWayback = "wayback"
)

// RateLimit limits requests per client IP when Enabled.
type RateLimit struct {
	Enabled bool
	RPS     float64
	Burst   int
}

// Options configures a Server.
type Options struct {
	Registry *wayback.Registry
	// Rewrite is the base rewriter configuration; an archive's CSSMode
	// overrides Rewrite.CSSMode.
	Rewrite rewrite.Config
	// PublicURL is the externally visible root of the server, used by the
	// serve target.
	PublicURL string
	// Target is TargetServe (default) or TargetWayback.
	Target string
	// WaybackTimestamp is used by the wayback target for URLs absent from
	// an archive's manifest.
	WaybackTimestamp string

	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimit       RateLimit

	Logger  *zap.Logger
	Metrics *metrics.Collector
}

type archiveHandler struct {
	rw     *rewrite.Dispatcher
	target rewrite.Target
}

// Server is the replay HTTP server.
type Server struct {
	opts     Options
	log      *zap.Logger
	metrics  *metrics.Collector
	registry *wayback.Registry
	archives map[*wayback.Archive]archiveHandler
	limiter  *ipLimiter
	handler  http.Handler
}

// New validates opts and builds one rewriter and target per archive.
func New(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, errors.New("replay: no archive registry")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Target == "" {
		opts.Target = TargetServe
	}
	if opts.WaybackTimestamp == "" {
		opts.WaybackTimestamp = "2"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		opts:     opts,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		registry: opts.Registry,
		archives: make(map[*wayback.Archive]archiveHandler),
	}

	for _, a := range opts.Registry.Archives() {
		cfg := opts.Rewrite
		if a.CSSMode != "" {
			cfg.CSSMode = rewrite.CSSMode(a.CSSMode)
		}
		if cfg.Logger == nil {
			cfg.Logger = opts.Logger.With(zap.String("archive", a.Name))
		}
		if cfg.Observer == nil && opts.Metrics != nil {
			cfg.Observer = opts.Metrics
		}
		d, err := rewrite.NewDispatcher(cfg)
		if err != nil {
			return nil, fmt.Errorf("archive %s: %w", a.Name, err)
		}

		var target rewrite.Target
		switch opts.Target {
		case TargetServe:
			target = wayback.ServeContentTarget(opts.PublicURL)
		case TargetWayback:
			target = wayback.WaybackTarget(a.Index, opts.WaybackTimestamp)
		default:
			return nil, fmt.Errorf("replay: unknown target %q", opts.Target)
		}
		s.archives[a] = archiveHandler{rw: d, target: target}
	}

	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ServeContent", s.handleServeContent).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/archives", s.handleArchives).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	}).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	var h http.Handler = r
	if s.opts.RateLimit.Enabled {
		s.limiter = newIPLimiter(s.opts.RateLimit.RPS, s.opts.RateLimit.Burst)
		h = s.limiter.middleware(h)
	}
	return s.accessLog(h)
}

// ServeHTTP makes the Server usable as a plain handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Run listens on ListenAddr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}
	defer func() {
		if s.limiter != nil {
			s.limiter.stop()
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("replay server listening", zap.String("addr", ln.Addr().String()),
			zap.Int("archives", len(s.archives)))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		s.log.Info("replay server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// archivedURL extracts the url parameter from a raw query string. Rewritten
// links carry the archived URL unescaped, so everything after "url=" belongs
// to it, including any '&' of its own query. A value without "://" is
// treated as escaped.
func archivedURL(rawQuery string) string {
	var v string
	if rest, ok := strings.CutPrefix(rawQuery, "url="); ok {
		v = rest
	} else if i := strings.Index(rawQuery, "&url="); i >= 0 {
		v = rawQuery[i+len("&url="):]
	}
	if !strings.Contains(v, "://") {
		if u, err := url.PathUnescape(v); err == nil {
			v = u
		}
	}
	return strings.TrimSpace(v)
}

func (s *Server) handleServeContent(w http.ResponseWriter, r *http.Request) {
	raw := archivedURL(r.URL.RawQuery)
	if raw == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	a, ok := s.registry.Lookup(raw)
	if !ok {
		http.Error(w, "url is not archived", http.StatusNotFound)
		return
	}
	res, err := a.Open(raw)
	if errors.Is(err, wayback.ErrNotArchived) {
		http.Error(w, "url is not archived", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("open archived resource", zap.String("url", raw), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ah := s.archives[a]
	body := res.Body
	mode := "raw"
	if ah.rw != nil && ah.rw.Supports(res.MimeType) {
		rc, err := ah.rw.CreateLinkRewriter(res.MimeType, a, res.Body, res.Charset, raw, ah.target)
		if err != nil {
			_ = res.Body.Close()
			s.log.Error("create link rewriter", zap.String("url", raw), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		body, mode = rc, "rewritten"
	}
	defer body.Close()

	w.Header().Set("Content-Type", contentType(res.MimeType, res.Charset))
	w.Header().Set("X-Archive", a.Name)
	if s.metrics != nil {
		s.metrics.RecordDocument(a.Name, mode)
	}
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, body); err != nil {
		// Headers are gone; all that is left is to log.
		s.log.Warn("stream archived resource", zap.String("url", raw), zap.Error(err))
	}
}

func contentType(mimeType, charset string) string {
	if strings.HasPrefix(mimeType, "text/") && charset != "" {
		return mimeType + "; charset=" + charset
	}
	return mimeType
}

type archiveInfo struct {
	Name    string   `json:"name"`
	BaseURL string   `json:"base_url"`
	Stems   []string `json:"stems"`
	Pretty  bool     `json:"pretty_path"`
	Entries int      `json:"manifest_entries"`
}

func (s *Server) handleArchives(w http.ResponseWriter, _ *http.Request) {
	list := make([]archiveInfo, 0, len(s.registry.Archives()))
	for _, a := range s.registry.Archives() {
		info := archiveInfo{
			Name:    a.Name,
			BaseURL: a.Base.CanonicalURL,
			Stems:   a.URLStems(),
			Pretty:  a.Pretty,
		}
		if a.Index != nil {
			info.Entries = a.Index.Len()
		}
		list = append(list, info)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(list); err != nil {
		s.log.Warn("encode archive list", zap.Error(err))
	}
}

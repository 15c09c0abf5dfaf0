package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/planet-client/pkg/basemaps"
	"github.com/Sternrassler/planet-client/pkg/client"
	"github.com/Sternrassler/planet-client/pkg/metrics"
	"github.com/Sternrassler/planet-client/pkg/ratelimit"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// upstreamTimeout bounds one proxied API call.
const upstreamTimeout = 30 * time.Second

// hopHeaders are not forwarded from upstream responses.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

type server struct {
	api    *client.Client
	bm     *basemaps.Client
	redis  *redis.Client
	logger zerolog.Logger
}

func newRouter(s *server, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"ETag", "X-Planet-Cache", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Handle("/metrics", metrics.Handler())

	r.Get("/basemaps/*", s.proxyBasemaps)
	r.Get("/xml/{mosaic}", s.tileserverXML)
	r.Get("/stac/{mosaic}/{quad}", s.quadItem)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found")
	})

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("Request")
		})
	}
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
}

func (s *server) ready(w http.ResponseWriter, r *http.Request) {
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("Readiness check failed")
			writeError(w, http.StatusServiceUnavailable, "redis unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
}

// proxyBasemaps forwards GET /basemaps/<endpoint> to the Basemaps API with
// the proxy's credentials.
func (s *server) proxyBasemaps(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	query.Del("api_key")

	target, err := upstreamURL(s.api.BaseURL(), chi.URLParam(r, "*"))
	if err != nil {
		s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Rejected proxy target")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	ctx, cancel := context.WithTimeout(r.Context(), upstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.api.Do(req)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Warn().Err(err).Str("target", chi.URLParam(r, "*")).Msg("Failed to copy upstream body")
	}
}

// upstreamURL joins a relative API path onto base. Targets that would leave
// the base URL's scheme, host or path are rejected.
func upstreamURL(base, rest string) (string, error) {
	decoded, err := url.PathUnescape(rest)
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", rest, err)
	}
	for _, p := range []string{rest, decoded} {
		if strings.Contains(p, "://") || strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
			return "", fmt.Errorf("invalid path %q: must be relative to the API root", rest)
		}
	}

	root, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	target, err := url.JoinPath(base, rest)
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", rest, err)
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", rest, err)
	}

	rootPath := strings.TrimRight(root.Path, "/")
	clean := path.Clean("/" + u.Path)
	if u.Scheme != root.Scheme || u.Host != root.Host ||
		(clean != rootPath && !strings.HasPrefix(clean, rootPath+"/")) {
		return "", fmt.Errorf("invalid path %q: escapes the API root", rest)
	}
	return target, nil
}

func (s *server) tileserverXML(w http.ResponseWriter, r *http.Request) {
	opts := basemaps.XMLOptions{Proc: r.URL.Query().Get("proc")}
	var err error
	if opts.Level, err = intParam(r.URL.Query(), "level"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if opts.BandCount, err = intParam(r.URL.Query(), "bands"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := s.bm.MosaicByName(r.Context(), chi.URLParam(r, "mosaic"))
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}

	doc, err := s.bm.TileserverXML(m, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	io.WriteString(w, doc)
}

func (s *server) quadItem(w http.ResponseWriter, r *http.Request) {
	m, err := s.bm.MosaicByName(r.Context(), chi.URLParam(r, "mosaic"))
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	q, err := s.bm.QuadByID(r.Context(), m, chi.URLParam(r, "quad"))
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}

	item, err := basemaps.QuadItem(*q)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	json.NewEncoder(w).Encode(item)
}

func intParam(q url.Values, name string) (int, error) {
	v := q.Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name + " parameter")
	}
	return n, nil
}

// writeUpstreamError maps client errors onto proxy responses.
func (s *server) writeUpstreamError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	var apiErr *client.APIError

	switch {
	case errors.Is(err, basemaps.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ratelimit.ErrThrottled):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
		status = apiErr.StatusCode
	}

	if status >= 500 {
		s.logger.Error().Err(err).Int("status", status).Msg("Upstream request failed")
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

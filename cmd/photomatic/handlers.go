package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fpang/photomatic/internal/lifecycle"
	"github.com/fpang/photomatic/internal/metrics"
	"github.com/fpang/photomatic/internal/selection"
	"github.com/fpang/photomatic/internal/session"
	"github.com/fpang/photomatic/internal/slideshow"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	sessionCookie = "photomatic_session"

	// retryAfterSeconds is sent with 503 while the first index is built.
	retryAfterSeconds = 2
)

type server struct {
	show     *slideshow.Slideshow
	sessions session.Store
}

func newServer(show *slideshow.Slideshow, sessions session.Store) *server {
	return &server{show: show, sessions: sessions}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/random", instrument("random", http.HandlerFunc(s.handleRandom)))
	mux.Handle("/clear_cache", instrument("clear_cache", http.HandlerFunc(s.handleClearCache)))
	mux.Handle("/api/status", instrument("status", gzhttp.GzipHandler(http.HandlerFunc(s.handleStatus))))
	mux.Handle("/metrics", promhttp.Handler())
	return withLogging(mux)
}

// instrument records request count, latency and concurrency for one route.
func instrument(name string, h http.Handler) http.Handler {
	labels := prometheus.Labels{"handler": name}
	return promhttp.InstrumentHandlerInFlight(metrics.HTTPRequestsInFlight,
		promhttp.InstrumentHandlerDuration(metrics.HTTPRequestDuration.MustCurryWith(labels),
			promhttp.InstrumentHandlerCounter(metrics.HTTPRequestsTotal.MustCurryWith(labels), h),
		),
	)
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if !strings.HasPrefix(r.URL.Path, "/metrics") {
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("duration", time.Since(start)).
				Msg("API request")
		}
	})
}

// respondJSON writes data as the JSON body of a response with status.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

// httpError writes {"error": message}.
func httpError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// sessionID returns the caller's session id, minting one when the cookie is
// missing or malformed.
func sessionID(r *http.Request) (id string, fresh bool) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			return c.Value, false
		}
	}
	return uuid.NewString(), true
}

func setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(session.SessionTTL / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// statusFor maps a slideshow error to an HTTP status.
func statusFor(err error) int {
	switch {
	case slideshow.IsRetryable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, selection.ErrNoImages):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) handleRandom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id, fresh := sessionID(r)
	var sess selection.Session
	if !fresh {
		loaded, ok, err := s.sessions.Load(id)
		if err != nil {
			log.Warn().Err(err).Str("session", id).Msg("Failed to load session, starting over")
		} else if ok {
			sess = loaded
		}
	}

	photo, err := s.show.Next(sess)
	if err != nil {
		status := statusFor(err)
		switch status {
		case http.StatusServiceUnavailable:
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
			httpError(w, status, "photo index is being built, try again shortly")
		case http.StatusNotFound:
			httpError(w, status, "no photos found")
		default:
			log.Error().Err(err).Msg("Failed to serve photo")
			httpError(w, status, "failed to prepare photo")
		}
		return
	}

	if err := s.sessions.Save(id, photo.Session); err != nil {
		log.Warn().Err(err).Str("session", id).Msg("Failed to save session")
	}
	setSessionCookie(w, id)

	w.Header().Set("Content-Type", photo.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(photo.Data)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		w.Write(photo.Data)
	}
}

func (s *server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := s.show.Clear(); err != nil {
		if errors.Is(err, lifecycle.ErrBuildInProgress) {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
			httpError(w, http.StatusServiceUnavailable, "photo index is being built, try again shortly")
			return
		}
		log.Error().Err(err).Msg("Failed to clear cache")
		httpError(w, http.StatusInternalServerError, "failed to clear cache")
		return
	}

	if id, fresh := sessionID(r); !fresh {
		if err := s.sessions.Delete(id); err != nil {
			log.Warn().Err(err).Str("session", id).Msg("Failed to delete session")
		}
	}
	log.Info().Msg("Cache cleared on request")
	respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

type statusResponse struct {
	slideshow.Status
	Sessions int `json:"sessions"`
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := statusResponse{Status: s.show.Status()}
	if counter, ok := s.sessions.(interface{ Count() (int, error) }); ok {
		if n, err := counter.Count(); err == nil {
			resp.Sessions = n
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

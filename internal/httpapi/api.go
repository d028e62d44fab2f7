// Package httpapi is the HTTP transport: challenge issuance, ceremony
// completion, credential revocation, and the operational endpoints.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"attestor.org/internal/ceremony"
	"attestor.org/internal/claims"
	"attestor.org/internal/directory"
	"attestor.org/internal/obs"
	"attestor.org/internal/stream"
)

// ReadyProbe reports whether the backing store can serve traffic.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options carries the transport-level configuration resolved in main.
type Options struct {
	Version        string
	ChallengeTTL   time.Duration
	RelyingParties []string
	OperatorToken  string
	RateBurst      int
	RatePerSec     int
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	engine     *ceremony.Engine
	emitter    *claims.Emitter
	directory  directory.Directory
	stream     *stream.Stream
	opts       Options

	relyingParties map[string]struct{}
}

func New(rp ReadyProbe, engine *ceremony.Engine, emitter *claims.Emitter, dir directory.Directory, st *stream.Stream, opts Options) *API {
	a := &API{
		mux:            http.NewServeMux(),
		readyProbe:     rp,
		engine:         engine,
		emitter:        emitter,
		directory:      dir,
		stream:         st,
		opts:           opts,
		relyingParties: make(map[string]struct{}, len(opts.RelyingParties)),
	}
	for _, id := range opts.RelyingParties {
		a.relyingParties[id] = struct{}{}
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// ceremony endpoints
	a.mux.HandleFunc("/v1/challenges", a.handleChallenges)
	a.mux.HandleFunc("/v1/ceremonies", a.handleCeremonies)
	a.mux.HandleFunc("/v1/credentials/", a.handleCredentialResource)

	// outcome stream (SSE)
	a.mux.HandleFunc("/v1/events", a.Stream)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = obs.Instrument(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.opts.RateBurst, a.opts.RatePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return h
}

func (a *API) allowsRelyingParty(id string) bool {
	if len(a.relyingParties) == 0 {
		return true
	}
	_, ok := a.relyingParties[id]
	return ok
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "attestor-api",
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":          "attestor-api",
		"time":          time.Now().UTC().Format(time.RFC3339),
		"version":       a.opts.Version,
		"challenge_ttl": a.opts.ChallengeTTL.String(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// Package routes serves the gateway's read-only JSON status API.
package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/kabili207/meshtg-gateway/pkg/models"
	"github.com/kabili207/meshtg-gateway/pkg/store"
	"github.com/kabili207/meshtg-gateway/pkg/supervisor"
)

// ServerUnit is the unit name of the HTTP serve loop.
const ServerUnit = "WebApp Server"

// StatusSource reports the state of supervised runners.
type StatusSource interface {
	Status() []supervisor.RunnerStatus
}

type Options struct {
	Listen  string
	Stores  *store.Stores
	Runners StatusSource
	// Clients is nil when the embedded broker is disabled.
	Clients models.BrokerClients
	Units   *supervisor.Units
	Logger  *slog.Logger
}

type WebRouter struct {
	opts   Options
	log    *slog.Logger
	router *mux.Router

	server atomic.Pointer[http.Server]
	exit   atomic.Bool
}

func New(opts Options) (*WebRouter, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Stores == nil {
		return nil, errors.New("web router needs a store")
	}
	wr := &WebRouter{
		opts: opts,
		log:  opts.Logger.With("component", "web"),
	}
	wr.router = wr.buildRouter()
	return wr, nil
}

func (wr *WebRouter) buildRouter() *mux.Router {
	r := mux.NewRouter().StrictSlash(true)

	r.HandleFunc("/api/runners", wr.getRunners).Methods("GET")
	r.HandleFunc("/api/links/stats", wr.getLinkStats).Methods("GET")
	r.HandleFunc("/api/links/pending", wr.getPendingLinks).Methods("GET")
	r.HandleFunc("/api/links/{id:[0-9]+}", wr.getLink).Methods("GET")
	r.HandleFunc("/api/nodes", wr.getNodes).Methods("GET")
	r.HandleFunc("/api/nodes/{id}", wr.getNode).Methods("GET")
	r.HandleFunc("/api/nodes/{id}/stats", wr.getNodeStats).Methods("GET")
	r.HandleFunc("/api/clients", wr.getClients).Methods("GET")

	r.Use(handlers.ProxyHeaders)
	r.Use(wr.requestLogger)
	return r
}

// Handler returns the full middleware chain.
func (wr *WebRouter) Handler() http.Handler {
	h := handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))
	return h(wr.router)
}

func (wr *WebRouter) requestLogger(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		wr.log.Debug("endpoint hit", "method", r.Method, "path", r.URL.Path, "remote_host", r.RemoteAddr, "user_agent", r.UserAgent())
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

// Run binds the listen address and serves in a supervised unit.
func (wr *WebRouter) Run() error {
	if wr.exit.Load() {
		return errors.New("web server already shut down")
	}
	if wr.opts.Units == nil {
		return errors.New("web server needs a goroutine spawner")
	}
	ln, err := net.Listen("tcp", wr.opts.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", wr.opts.Listen, err)
	}
	srv := &http.Server{
		Handler:           wr.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	wr.server.Store(srv)
	if wr.exit.Load() {
		srv.Close()
		ln.Close()
		return errors.New("web server already shut down")
	}
	wr.log.Info("web server listening", "address", ln.Addr().String())

	wr.opts.Units.Go(ServerUnit, func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			wr.log.Error("web server stopped", "error", err)
		}
	})
	return nil
}

func (wr *WebRouter) Exited() bool {
	return wr.exit.Load()
}

func (wr *WebRouter) Shutdown() {
	wr.exit.Store(true)
	if srv := wr.server.Load(); srv != nil {
		srv.Close()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

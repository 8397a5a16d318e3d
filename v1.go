// Package gateway wires the mobile client integration layer: API version
// negotiation, per-class rate limiting, token auth and the offline-sync
// protocol, multiplexed onto one HTTP surface.
package gateway

import (
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/hiddenbraintechnologies-sys/mobile-gateway/apiversion"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/auth"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/internal"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/notifications"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/pubsub"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/ratelimit"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/syncer"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/token"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// batchPoolSize bounds concurrent entity reconciliations per batch call;
// derived from the default sqlx connection pool, not request volume
const batchPoolSize = 8

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization, X-API-Version, X-Device-Id")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// requestIDHandler assigns every request a uuid, echoed in the
// X-Request-Id header and every error body.
func requestIDHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, req.WithContext(internal.RequestContext(req.Context(), requestID)))
	})
}

// Config carries the injected collaborators. Everything stateful comes in
// through here so tests can run with isolated state.
type Config struct {
	Codec    *token.Codec
	Registry auth.SessionRegistry
	Users    auth.UserDirectory
	States   syncer.StateStore
	Records  syncer.RecordStore
	Push     notifications.Client

	Limits   map[ratelimit.Class]ratelimit.Limit
	Versions apiversion.Config
}

// Gateway is the assembled HTTP surface plus the background pieces that
// need stopping in tests.
type Gateway struct {
	Handler http.Handler
	Limiter *ratelimit.Limiter
	Manager *syncer.Manager
	Bus     *pubsub.PubSub

	notifier pubsub.Notifier
	pool     *internal.WorkerPool
}

func NewGateway(cfg Config) *Gateway {
	if cfg.Push == nil {
		cfg.Push = notifications.NoopClient{}
	}
	if cfg.Versions.Current == "" {
		cfg.Versions = apiversion.Default()
	}
	if cfg.Limits == nil {
		cfg.Limits = ratelimit.DefaultLimits()
	}

	bus := pubsub.NewPubSub(64)
	notifier := pubsub.NewPromNotifier(bus, "bus")
	go func() {
		if err := notifications.ListenForRevocations(bus, cfg.Push); err != nil {
			logger.Err(err).Msg("revocation listener stopped")
		}
	}()

	limiter := ratelimit.New(cfg.Limits)
	limiter.Start()

	pool := internal.NewWorkerPool(batchPoolSize)
	pool.Start()

	manager := syncer.NewManager(cfg.States, cfg.Records, notifier)
	authHandlers := &auth.Handlers{
		Codec:    cfg.Codec,
		Registry: cfg.Registry,
		Users:    cfg.Users,
		Notifier: notifier,
	}
	syncHandlers := &syncer.Handler{Manager: manager, Pool: pool}
	notifHandlers := &notifications.Handlers{Push: cfg.Push}

	authed := auth.Middleware(cfg.Codec)
	authLimited := limiter.Middleware(ratelimit.ClassAuth)
	apiLimited := limiter.Middleware(ratelimit.ClassAPI)
	syncLimited := limiter.Middleware(ratelimit.ClassSync)
	uploadLimited := limiter.Middleware(ratelimit.ClassUpload)

	// HTTP path routing
	r := mux.NewRouter()
	r.Handle("/auth/login", authLimited(http.HandlerFunc(authHandlers.Login))).Methods("POST")
	r.Handle("/auth/refresh", authLimited(http.HandlerFunc(authHandlers.Refresh))).Methods("POST")
	r.Handle("/auth/logout", authLimited(authed(http.HandlerFunc(authHandlers.Logout)))).Methods("POST")
	r.Handle("/auth/switch-tenant", authLimited(authed(http.HandlerFunc(authHandlers.SwitchTenant)))).Methods("POST")

	r.Handle("/devices", apiLimited(authed(http.HandlerFunc(authHandlers.ListDevices)))).Methods("GET")
	r.Handle("/devices/{deviceId}", apiLimited(authed(http.HandlerFunc(authHandlers.DeleteDevice)))).Methods("DELETE")

	r.Handle("/notifications/devices", uploadLimited(authed(http.HandlerFunc(notifHandlers.RegisterDevice)))).Methods("POST")
	r.Handle("/notifications/devices/{token}", uploadLimited(authed(http.HandlerFunc(notifHandlers.DeleteDevice)))).Methods("DELETE")

	r.Handle("/sync", syncLimited(authed(http.HandlerFunc(syncHandlers.Sync)))).Methods("POST")
	r.Handle("/sync/batch", syncLimited(authed(http.HandlerFunc(syncHandlers.SyncBatch)))).Methods("POST")

	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]interface{}{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
	}).Methods("GET")
	r.Handle("/config", configHandler(cfg, limiter, manager)).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(req *http.Request, status, size int, duration time.Duration) {
				internal.DecorateLogger(req.Context(), hlog.FromRequest(req).Info()).
					Str("method", req.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", req.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
			requestIDHandler,
			cfg.Versions.Middleware,
		},
		final: allowCORS(r),
	}
	return &Gateway{
		Handler:  srv,
		Limiter:  limiter,
		Manager:  manager,
		Bus:      bus,
		notifier: notifier,
		pool:     pool,
	}
}

// Teardown stops the background pieces. Only used by tests; in production
// these live for the process lifetime.
func (g *Gateway) Teardown() {
	g.Limiter.Stop()
	g.pool.Stop()
	// closing the notifier unregisters its metrics and closes the bus
	if err := g.notifier.Close(); err != nil {
		logger.Err(err).Msg("failed to close notifier")
	}
}

func configHandler(cfg Config, limiter *ratelimit.Limiter, manager *syncer.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		classes := internal.Keys(cfg.Limits)
		sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
		limits := make(map[string]map[string]interface{}, len(classes))
		for _, class := range classes {
			limit := limiter.LimitFor(class)
			limits[string(class)] = map[string]interface{}{
				"maxRequests":   limit.MaxRequests,
				"windowSeconds": int(limit.Window.Seconds()),
			}
		}
		writeJSON(w, map[string]interface{}{
			"api": map[string]interface{}{
				"currentVersion":    cfg.Versions.Current,
				"minVersion":        cfg.Versions.Minimum,
				"supportedVersions": cfg.Versions.Supported,
			},
			"sync": map[string]interface{}{
				"pageSize": manager.PageSize(),
			},
			"rateLimits": limits,
			"features": map[string]bool{
				"batchSync":         true,
				"pushNotifications": true,
			},
		})
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Err(err).Msg("failed to encode response")
	}
}

// RunGatewayServer is the main entry point to the server
func RunGatewayServer(cfg Config, bindAddr string) {
	g := NewGateway(cfg)
	// Block forever
	logger.Info().Msgf("listening on %s", bindAddr)
	if err := http.ListenAndServe(bindAddr, g.Handler); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}

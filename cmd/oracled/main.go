package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/audit"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/auth"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/hardening"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/httpx"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/metrics"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/models"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/oracle"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/ratelimit"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/registry"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/statebus"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/store"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/stream"
	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/telemetry"
)

type oracleDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ledgerProvider abstracts the two storage modes: in-process registries
// for development and Postgres-backed ones for real deployments.
type ledgerProvider interface {
	Deploy(ctx context.Context, owner registry.Identity) (string, error)
	Ledger(registryID string) (registry.Ledger, bool)
	Audit(ctx context.Context, registryID string, limit int) ([]audit.Record, error)
}

type memoryProvider struct {
	mu      sync.Mutex
	ledgers map[string]*registry.Memory
	events  *stream.Hub
}

func newMemoryProvider(events *stream.Hub) *memoryProvider {
	return &memoryProvider{ledgers: map[string]*registry.Memory{}, events: events}
}

func (p *memoryProvider) Deploy(ctx context.Context, owner registry.Identity) (string, error) {
	if owner == registry.Nobody {
		return "", registry.ErrInvalidIdentity
	}
	id := uuid.NewString()
	mem := registry.NewMemory(id, owner)
	mem.Events = p.events
	p.mu.Lock()
	p.ledgers[id] = mem
	p.mu.Unlock()
	return id, nil
}

func (p *memoryProvider) Ledger(registryID string) (registry.Ledger, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	led, ok := p.ledgers[registryID]
	return led, ok
}

func (p *memoryProvider) Audit(ctx context.Context, registryID string, limit int) ([]audit.Record, error) {
	return nil, errors.New("audit log requires postgres storage")
}

type postgresProvider struct {
	db     oracleDB
	events *stream.Hub
}

func (p *postgresProvider) Deploy(ctx context.Context, owner registry.Identity) (string, error) {
	return registry.Deploy(ctx, p.db, owner)
}

func (p *postgresProvider) Ledger(registryID string) (registry.Ledger, bool) {
	// Existence surfaces as ErrNotFound on the first operation.
	return &registry.Postgres{DB: p.db, RegistryID: registryID, Events: p.events}, true
}

func (p *postgresProvider) Audit(ctx context.Context, registryID string, limit int) ([]audit.Record, error) {
	return (&audit.Writer{DB: p.db}).List(ctx, registryID, limit)
}

type Server struct {
	Provider ledgerProvider
	Events   *stream.Hub
	Metrics  *metrics.Registry
	Cache    store.Cache

	// Authority is the ledger identity used when a request carries no
	// X-Caller-Identity header.
	Authority           string
	ServiceAuthHeader   string
	ServiceAuthToken    string
	MaxRequestBodyBytes int64
	VerifyCacheTTL      time.Duration

	// Limiter throttles mutating requests per caller identity. Nil or a
	// non-positive RateLimitPerMin disables throttling.
	Limiter         ratelimit.Limiter
	RateLimitPerMin int
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        func(context.Context) (oracleDB, func(), error)
	openRedisFn     func(context.Context) store.Cache
	listenFn        func(*http.Server) error
)

func main() {
	if err := run(initTelemetryFn, openDBFn, openRedisFn, listenFn); err != nil {
		logFatalf("oracled: %v", err)
	}
}

func run(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (oracleDB, func(), error),
	openRedis func(context.Context) store.Cache,
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (oracleDB, func(), error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if openRedis == nil {
		openRedis = func(ctx context.Context) store.Cache {
			client, err := store.NewRedis(ctx)
			if err != nil {
				log.Printf("redis unavailable, caching in memory: %v", err)
				client = nil
			}
			return store.NewCache(ctx, client)
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "oracled")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	events := stream.NewHub()
	s := &Server{
		Events:              events,
		Metrics:             metrics.NewRegistry(),
		Authority:           env("ORACLE_AUTHORITY", ""),
		ServiceAuthHeader:   env("ORACLE_AUTH_HEADER", ""),
		ServiceAuthToken:    env("ORACLE_AUTH_TOKEN", ""),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 8<<20)),
		VerifyCacheTTL:      envDurationSec("VERIFY_CACHE_TTL_SEC", 300),
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 8 << 20
	}

	storage := env("STORAGE", "memory")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "oracled",
		Environment:        env("ENVIRONMENT", ""),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", ""),
		Storage:            storage,
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		Authority:          s.Authority,
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "ORACLE_AUTH_HEADER", Value: s.ServiceAuthHeader},
			{Name: "ORACLE_AUTH_TOKEN", Value: s.ServiceAuthToken},
		},
	}); err != nil {
		return err
	}

	switch storage {
	case "memory":
		s.Provider = newMemoryProvider(events)
	case "postgres":
		db, closeDB, err := openDB(ctx)
		if err != nil {
			return err
		}
		if closeDB != nil {
			defer closeDB()
		}
		s.Provider = &postgresProvider{db: db, events: events}
	default:
		return errors.New("STORAGE must be memory or postgres")
	}

	s.Cache = openRedis(ctx)

	if perMin := envInt("RATE_LIMIT_PER_MIN", 0); perMin > 0 {
		s.RateLimitPerMin = perMin
		if client, err := store.NewRedis(ctx); err == nil {
			s.Limiter = ratelimit.NewRedis(client, time.Minute)
		} else {
			log.Printf("redis unavailable, rate limiting in process: %v", err)
			s.Limiter = ratelimit.NewInMemory(time.Minute)
		}
	}

	if env("KAFKA_ENABLED", "false") == "true" {
		pub, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{
			Brokers: strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","),
			Topic:   env("KAFKA_TOPIC", "oracle.events"),
		})
		if err != nil {
			return err
		}
		defer func() { _ = pub.Close() }()
		go statebus.Bridge(ctx, events, pub)
	}

	server := &http.Server{
		Addr:              env("ADDR", ":8084"),
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 60),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	log.Printf("oracled listening on %s", server.Addr)
	return listen(server)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("oracled"))
	r.Use(s.metricsMiddleware)
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "oracled"})
	})
	r.Get("/metricsz", s.Metrics.Handler())
	r.Get("/metrics", s.Metrics.PrometheusHandler())
	r.Get("/v1/events", s.streamEvents)
	r.Post("/v1/hash", s.hashRecord)
	r.Get("/v1/registries/{registry_id}/hashes/{name}/{date}", s.getHash)
	r.Get("/v1/registries/{registry_id}/authority", s.getAuthority)
	r.Get("/v1/registries/{registry_id}/audit", s.listAudit)
	r.Post("/v1/registries/{registry_id}/verify", s.verifyRecords)

	tokenMw := auth.TokenMiddleware(s.ServiceAuthHeader, s.ServiceAuthToken)
	r.Group(func(g chi.Router) {
		g.Use(tokenMw)
		g.Use(s.rateLimitMiddleware)
		g.Post("/v1/registries", s.deployRegistry)
		g.Post("/v1/registries/{registry_id}/submit", s.submitRecords)
		g.Post("/v1/registries/{registry_id}/transfer", s.transferAuthority)
		g.Post("/v1/registries/{registry_id}/renounce", s.renounceAuthority)
	})
	return r
}

func (s *Server) hashRecord(w http.ResponseWriter, r *http.Request) {
	var rec models.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	payload, err := models.CanonicalPayload(rec)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	fp := models.FingerprintPayload(payload)
	httpx.WriteJSON(w, 200, map[string]string{
		"canonical_payload": string(payload),
		"fingerprint":       fp.Hex(),
	})
}

func (s *Server) deployRegistry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner string `json:"owner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpx.Error(w, 400, "invalid json")
		return
	}
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		owner = s.Authority
	}
	id, err := s.Provider.Deploy(r.Context(), registry.Identity(owner))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	httpx.WriteJSON(w, 201, models.DeployResponse{RegistryID: id, Owner: owner})
}

func (s *Server) submitRecords(w http.ResponseWriter, r *http.Request) {
	led, records, caller, ok := s.ledgerAndRecords(w, r)
	if !ok {
		return
	}
	sub := &oracle.Submitter{Ledger: led, Caller: caller}
	res := sub.SubmitAll(r.Context(), records)
	s.observeRun(res)
	httpx.WriteJSON(w, 200, res)
}

func (s *Server) verifyRecords(w http.ResponseWriter, r *http.Request) {
	led, records, _, ok := s.ledgerAndRecords(w, r)
	if !ok {
		return
	}
	v := &oracle.Verifier{
		Ledger:   led,
		Cache:    s.Cache,
		CacheKey: chi.URLParam(r, "registry_id"),
		TTL:      s.VerifyCacheTTL,
	}
	res := v.VerifyAll(r.Context(), records)
	s.observeRun(res)
	httpx.WriteJSON(w, 200, res)
}

func (s *Server) ledgerAndRecords(w http.ResponseWriter, r *http.Request) (registry.Ledger, []models.Record, registry.Identity, bool) {
	var req struct {
		Records []models.Record `json:"records"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return nil, nil, "", false
	}
	if len(req.Records) == 0 {
		httpx.Error(w, 400, "records required")
		return nil, nil, "", false
	}
	led, ok := s.Provider.Ledger(chi.URLParam(r, "registry_id"))
	if !ok {
		httpx.Error(w, 404, "registry not found")
		return nil, nil, "", false
	}
	caller := registry.Identity(auth.Caller(r, s.Authority))
	return led, req.Records, caller, true
}

func (s *Server) getHash(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	dateKey, err := models.DateKey(chi.URLParam(r, "date"))
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	led, ok := s.Provider.Ledger(chi.URLParam(r, "registry_id"))
	if !ok {
		httpx.Error(w, 404, "registry not found")
		return
	}
	fp, err := led.Get(r.Context(), name, dateKey)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, models.HashResponse{
		Name:        name,
		DateKey:     dateKey,
		Fingerprint: fp.Hex(),
		Present:     !fp.IsZero(),
	})
}

func (s *Server) getAuthority(w http.ResponseWriter, r *http.Request) {
	led, ok := s.Provider.Ledger(chi.URLParam(r, "registry_id"))
	if !ok {
		httpx.Error(w, 404, "registry not found")
		return
	}
	owner, err := led.Authority(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"authority": string(owner)})
}

func (s *Server) transferAuthority(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Next string `json:"next"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	led, ok := s.Provider.Ledger(chi.URLParam(r, "registry_id"))
	if !ok {
		httpx.Error(w, 404, "registry not found")
		return
	}
	caller := registry.Identity(auth.Caller(r, s.Authority))
	if err := led.TransferAuthority(r.Context(), caller, registry.Identity(strings.TrimSpace(req.Next))); err != nil {
		writeLedgerError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"authority": strings.TrimSpace(req.Next)})
}

func (s *Server) renounceAuthority(w http.ResponseWriter, r *http.Request) {
	led, ok := s.Provider.Ledger(chi.URLParam(r, "registry_id"))
	if !ok {
		httpx.Error(w, 404, "registry not found")
		return
	}
	caller := registry.Identity(auth.Caller(r, s.Authority))
	if err := led.RenounceAuthority(r.Context(), caller); err != nil {
		writeLedgerError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"authority": ""})
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.Error(w, 400, "invalid limit")
			return
		}
		limit = parsed
	}
	records, err := s.Provider.Audit(r.Context(), chi.URLParam(r, "registry_id"), limit)
	if err != nil {
		httpx.Error(w, 503, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"records": records})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func (s *Server) observeRun(res models.RunResult) {
	s.Metrics.ObserveRun(res.Kind, res.FinishedAt.Sub(res.StartedAt))
	for _, out := range res.Records {
		s.Metrics.IncOutcome(string(out.Outcome))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

// Hijack exposes the underlying connection so websocket upgrades work
// through the metrics wrapper.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		s.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Limiter == nil || s.RateLimitPerMin <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		caller := auth.Caller(r, s.Authority)
		if caller == "" {
			caller = "anonymous"
		}
		d := s.Limiter.Allow(caller, s.RateLimitPerMin)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			httpx.Error(w, 429, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		httpx.Error(w, 404, "registry not found")
	case errors.Is(err, registry.ErrUnauthorized):
		httpx.Error(w, 403, "not the registry authority")
	case errors.Is(err, registry.ErrInvalidIdentity):
		httpx.Error(w, 400, "invalid identity")
	case errors.Is(err, registry.ErrAlreadySubmitted):
		httpx.Error(w, 409, err.Error())
	case errors.Is(err, registry.ErrUnavailable):
		httpx.Error(w, 503, "registry unavailable")
	default:
		httpx.Error(w, 500, err.Error())
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

package main

import (
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"pkd/pkg/audit"
	"pkd/pkg/hardening"
	"pkd/pkg/hpke"
	"pkd/pkg/httpx"
	"pkd/pkg/keywrap"
	"pkd/pkg/ledger"
	"pkd/pkg/metrics"
	"pkd/pkg/peers"
	"pkd/pkg/pkderr"
	"pkd/pkg/protocol"
	"pkd/pkg/ratelimit"
	"pkd/pkg/store"
	"pkd/pkg/stream"
	"pkd/pkg/telemetry"
	"pkd/pkg/webfinger"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Server holds the wired dependencies for the directory's HTTP surface.
type Server struct {
	DB                  pkdDB
	Protocol            *protocol.Protocol
	Peers               *peers.Store
	Audit               auditStore
	Events              *stream.Hub
	Metrics             *metrics.Registry
	Redis               *redis.Client
	Limiter             *ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitActor      bool
	RateLimitDomain     bool
	SigningKey          ed25519.PrivateKey
	WrapPublicKey       []byte
	Hostname            string
	AdminToken          string
	HistoryBatchLimit   int
	MaxRequestBodyBytes int64
	TrustedProxyCIDRs   []*net.IPNet
}

// pkdDB is the slice of the pgx pool the server handles directly. Begin
// yields the ledger's Tx interface, which the peers interfaces narrow
// further.
type pkdDB interface {
	Begin(ctx context.Context) (ledger.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	Get(ctx context.Context, requestID string) (audit.Record, error)
}

type pkdDBCloser interface {
	pkdDB
	Close()
}

// poolHandle narrows pgxpool's Begin to the shared Tx interface.
type poolHandle struct{ *pgxpool.Pool }

func (p poolHandle) Begin(ctx context.Context) (ledger.Tx, error) { return p.Pool.Begin(ctx) }

// peersDBAdapter narrows the shared handle to the peers package's DB
// interface, which returns its own Tx type from Begin.
type peersDBAdapter struct{ db pkdDB }

func (a peersDBAdapter) Begin(ctx context.Context) (peers.Tx, error) { return a.db.Begin(ctx) }
func (a peersDBAdapter) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return a.db.Exec(ctx, sql, arguments...)
}
func (a peersDBAdapter) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return a.db.Query(ctx, sql, args...)
}
func (a peersDBAdapter) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return a.db.QueryRow(ctx, sql, args...)
}

type (
	initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
	openDBFunc        func(ctx context.Context) (pkdDBCloser, error)
	openRedisFunc     func(ctx context.Context) (*redis.Client, error)
	listenFunc        func(server *http.Server) error
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        = func(ctx context.Context) (pkdDBCloser, error) {
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return nil, err
		}
		return poolHandle{pool}, nil
	}
	openRedisFn = store.NewRedis
	listenFn    = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := run(initTelemetryFn, openDBFn, openRedisFn, listenFn); err != nil {
		logFatalf("pkd: %v", err)
	}
}

func run(initTelemetry initTelemetryFunc, openDB openDBFunc, openRedis openRedisFunc, listen listenFunc) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "pkd")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	signingKey, err := parseSigningKey(env("PKD_SIGNING_KEY", ""))
	if err != nil {
		return err
	}
	hpkeKey, err := parseHPKEKey(env("PKD_HPKE_KEY", ""))
	if err != nil {
		return err
	}
	hostname := strings.ToLower(strings.TrimSpace(env("PKD_HOSTNAME", "")))
	if hostname == "" {
		return errors.New("PKD_HOSTNAME required")
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "pkd",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		Hostname:              hostname,
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "PKD_SIGNING_KEY", Value: env("PKD_SIGNING_KEY", "")},
			{Name: "PKD_HPKE_KEY", Value: env("PKD_HPKE_KEY", "")},
		},
	}); err != nil {
		return err
	}

	peerStore := peers.NewStore(peersDBAdapter{db: pool})
	wrapper := keywrap.NewWrapper(hpkeKey, pool, peerStore, cache)

	var locker ledger.Locker
	switch mode := strings.ToLower(strings.TrimSpace(env("PKD_LOCKER", "row"))); mode {
	case "challenge":
		locker = ledger.NewChallengeLocker(pool)
	case "row":
		locker = ledger.NewRowLocker(pool)
	default:
		return fmt.Errorf("PKD_LOCKER %q: %w", mode, pkderr.ErrNotImplemented)
	}
	events := stream.NewHub()
	merkleState := ledger.NewMerkleState(locker, events)

	resolver := webfinger.NewResolver(telemetry.InstrumentClient(&http.Client{
		Timeout: time.Millisecond * time.Duration(envInt("WEBFINGER_TIMEOUT_MS", 3000)),
	}), cache)

	proto := protocol.New(merkleState, pool, resolver, wrapper, signingKey)
	if otpMaxLife := envInt("PKD_OTP_MAX_LIFE_SEC", 0); otpMaxLife > 0 {
		proto.OTPMaxLife = time.Second * time.Duration(otpMaxLife)
	}

	auditSalt := env("PKD_LOG_HASH_SALT", "")
	auditRedact := strings.EqualFold(strings.TrimSpace(env("PKD_LOG_REDACT", "true")), "true")
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	s := &Server{
		DB:                  pool,
		Protocol:            proto,
		Peers:               peerStore,
		Audit:               &audit.Writer{DB: pool, HashSalt: []byte(auditSalt), Redact: auditRedact},
		Events:              events,
		Metrics:             metrics.NewRegistry(),
		Redis:               redisClient,
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitActor:      env("RATE_LIMIT_ACTOR", "true") == "true",
		RateLimitDomain:     env("RATE_LIMIT_DOMAIN", "false") == "true",
		SigningKey:          signingKey,
		WrapPublicKey:       hpkeKey.PublicKey().Bytes(),
		Hostname:            hostname,
		AdminToken:          env("PKD_ADMIN_TOKEN", ""),
		HistoryBatchLimit:   envInt("HISTORY_BATCH_LIMIT", 100),
		MaxRequestBodyBytes: maxRequestBodyBytes,
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
	}
	if s.RateLimitEnabled {
		base := time.Millisecond * time.Duration(envInt("RATE_LIMIT_BASE_MS", 100))
		var storage ratelimit.Storage
		if redisClient != nil {
			storage = ratelimit.NewRedisStorage(redisClient)
		} else {
			storage = ratelimit.NewMemoryStorage()
		}
		s.Limiter = ratelimit.New(base, storage)
		if maxSec := envInt("RATE_LIMIT_MAX_SEC", 3600); maxSec > 0 {
			max := time.Second * time.Duration(maxSec)
			s.Limiter.Max[ratelimit.DimIP] = max
			s.Limiter.Max[ratelimit.DimActor] = max
			s.Limiter.Max[ratelimit.DimDomain] = max
		}
	}

	r := s.routes()

	addr := env("ADDR", ":8080")
	log.Printf("pkd listening on %s as %s", addr, hostname)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("pkd"))
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		s.Metrics.SetGauge("events.dropped", float64(s.Events.Dropped()))
		s.Metrics.Handler()(w, req)
	})
	r.Get("/metrics/prometheus", func(w http.ResponseWriter, req *http.Request) {
		s.Metrics.SetGauge("events.dropped", float64(s.Events.Dropped()))
		s.Metrics.PrometheusHandler()(w, req)
	})

	r.Get("/api/info", s.handleInfo)
	r.Post("/api/action", s.handlePlaintextAction)
	r.Post("/api/action/encrypted", s.handleEncryptedAction)
	r.Get("/api/history/since/{root}", s.handleHistorySince)
	// A first replication round starts from the empty root.
	r.Get("/api/history/since/", s.handleHistorySince)
	r.Post("/api/history/cosign/{root}", s.handleCosign)
	r.Get("/api/cosignatures/{root}", s.handleCosignatures)
	r.Get("/api/events", s.streamEvents)

	r.Route("/api/peers", func(ar chi.Router) {
		ar.Use(s.requireAdmin)
		ar.Get("/", s.handleListPeers)
		ar.Post("/", s.handleCreatePeer)
		ar.Post("/{uniqueid}/flags", s.handleSetPeerFlags)
	})
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
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

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AdminToken == "" {
			httpx.Error(w, 503, "peer administration disabled")
			return
		}
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header || subtleCompare(token, s.AdminToken) != 1 {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func subtleCompare(a, b string) int {
	ah := sha256.Sum256([]byte(a))
	bh := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ah[:], bh[:])
}

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				candidate := parseIP(strings.TrimSpace(parts[0]))
				if candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	if len(s.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

func parseSigningKey(raw string) (ed25519.PrivateKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("PKD_SIGNING_KEY required")
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("PKD_SIGNING_KEY: %w", err)
	}
	switch len(b) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	default:
		return nil, fmt.Errorf("PKD_SIGNING_KEY: unexpected length %d", len(b))
	}
}

func parseHPKEKey(raw string) (*ecdh.PrivateKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("PKD_HPKE_KEY required")
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("PKD_HPKE_KEY: %w", err)
	}
	key, err := hpke.ParsePrivateKey(b)
	if err != nil {
		return nil, fmt.Errorf("PKD_HPKE_KEY: %w", err)
	}
	return key, nil
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

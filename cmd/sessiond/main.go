// sessiond runs the session control plane: storage backend, token
// refresh, revocation, security checks, and the background cleanup
// loops.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"session-control-plane/internal/audit"
	"session-control-plane/internal/cleanup"
	"session-control-plane/internal/config"
	"session-control-plane/internal/db"
	"session-control-plane/internal/policy/engine"
	revocationservice "session-control-plane/internal/revocation/service"
	"session-control-plane/internal/security"
	sessionservice "session-control-plane/internal/session/service"
	"session-control-plane/internal/storage"
	"session-control-plane/internal/telemetry"
	telemetryotel "session-control-plane/internal/telemetry/otel"
	"session-control-plane/internal/token/idp"
	tokenservice "session-control-plane/internal/token/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, "sessiond", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()

	backend, err := openBackend(cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer backend.Close()

	metrics, err := telemetry.NewMetrics(providers.MeterProvider.Meter("sessionctl"))
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	auditLog := audit.NewLogger(audit.Tee(backend, metrics, telemetryotel.NewAuditEmitter(providers.LoggerProvider)))

	policy := engine.NewOPAEvaluator(cfg.HijackPolicy)
	if err := policy.HealthCheck(ctx); err != nil {
		log.Fatalf("policy: %v", err)
	}

	guard := security.NewService(
		security.NewRateLimiter(nil),
		auditLog,
		backend,
		policy,
		cfg.FingerprintThreshold,
	)

	provider := idp.NewClient(cfg.IdPTokenURL, cfg.IdPIntrospectURL, cfg.IdPClientID, cfg.IdPClientSecret)
	tokens := tokenservice.NewManager(provider, backend, auditLog, tokenservice.Config{
		RefreshBuffer:       cfg.RefreshBufferDuration(),
		MaxAttempts:         cfg.RefreshMaxAttempts,
		RotationGracePeriod: cfg.RotationGraceDuration(),
		IntrospectRemotely:  cfg.IntrospectRemotely,
	})

	revocations := revocationservice.NewService(backend, auditLog, revocationservice.Config{
		ListTTL: cfg.RevocationTTLDuration(),
		Cascade: cfg.CascadeRevocation,
	})

	sessions := sessionservice.NewManager(backend, tokens, guard, auditLog, sessionservice.Config{
		MaxSessionsPerUser:   cfg.MaxSessionsPerUser,
		IdleTimeout:          cfg.IdleTimeoutDuration(),
		AbsoluteTimeout:      cfg.AbsoluteTimeoutDuration(),
		FingerprintThreshold: cfg.FingerprintThreshold,
	})

	runner := cleanup.NewRunner(cfg.CleanupIntervalDuration(), cfg.CleanupBatchSize,
		cleanup.Task{Name: "session expiry", Run: sessions.CleanupExpired},
		cleanup.Task{Name: "revocation list", Run: revocations.CleanupExpired},
	)

	log.Printf("sessiond started (backend=%s)", cfg.StorageBackend)
	runner.Run(ctx)

	log.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("telemetry shutdown: %v", err)
	}
	log.Println("sessiond stopped")
}

func openBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.StorageBackend {
	case config.BackendRedis:
		var cipher *security.Cipher
		if key := cfg.CipherKey(); key != nil {
			var err error
			cipher, err = security.NewCipher(key)
			if err != nil {
				return nil, err
			}
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return storage.NewRedis(client, cipher), nil
	case config.BackendPostgres:
		conn, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return storage.NewPostgres(conn), nil
	default:
		return storage.NewMemory(), nil
	}
}

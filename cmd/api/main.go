package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentiam.org/internal/audit"
	"agentiam.org/internal/credential"
	"agentiam.org/internal/httpapi"
	"agentiam.org/internal/identity"
	"agentiam.org/internal/obs"
	"agentiam.org/internal/pipeline"
	"agentiam.org/internal/policy"
	"agentiam.org/internal/ratelimit"
	"agentiam.org/internal/store/pg"
	"agentiam.org/internal/stream"
)

var version = "0.3.1"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("AGENTIAM_COMMIT"))

	var (
		identityStore identity.Store
		sessionStore  credential.SessionStore
		policyStore   policy.Store
		auditStore    audit.Store
		limitStore    ratelimit.RuleStore
		probe         httpapi.ReadyProbe
		closeStore    func() error
	)
	if dsn := os.Getenv("AGENTIAM_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		identityStore = store.Identities()
		sessionStore = store.Sessions()
		policyStore = store.Policies()
		auditStore = store.Audit()
		limitStore = store.Limits()
		probe = httpapi.ReadyProbe{DB: store.DB()}
		closeStore = store.Close
	} else {
		log.Print("AGENTIAM_PG_DSN not set, running with in-memory stores")
		identityStore = identity.NewInMemoryStore()
		sessionStore = credential.NewInMemorySessions()
		policyStore = policy.NewInMemoryStore()
		auditStore = audit.NewInMemoryStore()
		limitStore = ratelimit.NewInMemoryRules()
		closeStore = func() error { return nil }
	}

	events := stream.New()
	trail, err := audit.NewTrail(auditStore, seedFromEnv("AGENTIAM_AUDIT_SEED"), audit.WithNotifier(events))
	if err != nil {
		log.Fatalf("audit trail: %v", err)
	}
	manager := identity.NewManager(identityStore, audit.NewRecorder(trail))

	revocations := credential.NewInMemoryRevocations()
	credentials, err := credential.NewService(sessionStore, identityStore, revocations, credentialOptions()...)
	if err != nil {
		log.Fatalf("credential service: %v", err)
	}
	authority, err := credential.NewAuthorityFromSeed(
		envOr("AGENTIAM_DELEGATION_KEY_ID", "delegation-root"),
		seedFromEnv("AGENTIAM_DELEGATION_SEED"),
		revocations,
	)
	if err != nil {
		log.Fatalf("delegation authority: %v", err)
	}
	validator := credential.NewValidator(credentials, authority)

	evaluator := policy.NewEvaluator(policyStore)
	limiter := ratelimit.NewLimiter(limitStore, ratelimit.NewInMemoryCounters())
	pipe := pipeline.New(validator, manager, identityStore, evaluator, limiter, trail)

	api := httpapi.New(probe, version, httpapi.Deps{
		Credentials: credentials,
		Validator:   validator,
		Manager:     manager,
		Identities:  identityStore,
		Evaluator:   evaluator,
		Limits:      limitStore,
		Pipeline:    pipe,
		Trail:       trail,
		Events:      events,
	})

	handler := api.Handler()
	handler = httpapi.MaxBodyBytes(handler, 1<<20)
	handler = httpapi.RateLimit(handler, 50, 25)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.Logging(handler)

	srv := &http.Server{
		Addr:              envOr("AGENTIAM_ADDR", ":8080"),
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting agentiam-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if err := trail.Close(ctx); err != nil {
		log.Printf("audit drain: %v", err)
	}
	_ = closeStore()
	log.Println("Stopped")
}

func credentialOptions() []credential.ServiceOption {
	opts := []credential.ServiceOption{
		credential.WithIssuer(envOr("AGENTIAM_ISSUER", "agentiam.org")),
		credential.WithKeyID(envOr("AGENTIAM_JWT_KEY_ID", "api-signing")),
	}
	privPath := os.Getenv("AGENTIAM_JWT_PRIVATE_KEY_FILE")
	pubPath := os.Getenv("AGENTIAM_JWT_PUBLIC_KEY_FILE")
	if privPath != "" && pubPath != "" {
		priv, err := os.ReadFile(privPath)
		if err != nil {
			log.Fatalf("read private key: %v", err)
		}
		pub, err := os.ReadFile(pubPath)
		if err != nil {
			log.Fatalf("read public key: %v", err)
		}
		return append(opts, credential.WithRS256Keys(string(priv), string(pub)))
	}
	// Dev fallback: tokens do not survive a restart.
	log.Print("AGENTIAM_JWT_*_KEY_FILE not set, generating an ephemeral signing key")
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		log.Fatalf("generate signing key: %v", err)
	}
	return append(opts, credential.WithSigningKey(key))
}

// seedFromEnv decodes a 32-byte hex seed, generating an ephemeral one
// when the variable is unset.
func seedFromEnv(name string) []byte {
	if v := os.Getenv(name); v != "" {
		seed, err := hex.DecodeString(v)
		if err != nil || len(seed) != 32 {
			log.Fatalf("%s must be 64 hex characters", name)
		}
		return seed
	}
	log.Printf("%s not set, generating an ephemeral seed", name)
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		log.Fatalf("generate seed: %v", err)
	}
	return seed
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

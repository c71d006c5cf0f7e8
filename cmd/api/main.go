package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/googleapis/gax-go/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/anonline/farm2fork-v3-sub000/internal/di"
	"github.com/anonline/farm2fork-v3-sub000/internal/handlers"
	"github.com/anonline/farm2fork-v3-sub000/internal/invoicing"
	"github.com/anonline/farm2fork-v3-sub000/internal/payments"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/auth"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/config"
	pfirestore "github.com/anonline/farm2fork-v3-sub000/internal/platform/firestore"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/idempotency"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/jobs"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/observability"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/redisstore"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/secrets"
	platformstorage "github.com/anonline/farm2fork-v3-sub000/internal/platform/storage"
	"github.com/anonline/farm2fork-v3-sub000/internal/repositories"
	firestoreRepo "github.com/anonline/farm2fork-v3-sub000/internal/repositories/firestore"
	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

const (
	submitRateLimit  = 5
	submitRateWindow = time.Minute
	billingoAttempts = 3
	webhookMaxBody   = 64 << 10
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore, firestoreOptions(cfg)...)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		redisClient, err = redisstore.NewClient(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("redis not configured; locks, drafts and idempotency keys are process-local")
	}

	var pubsubClient *pubsub.Client
	if strings.TrimSpace(cfg.PubSub.ProjectID) != "" {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("pubsub project not configured; customer notifications and order events are disabled")
	}

	health, err := newHealthRepository(firestoreProvider, redisClient, pubsubClient, cfg, fetcher)
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}

	registry, err := firestoreRepo.NewRegistry(firestoreProvider, health)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	stripeGateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
		APIKey:        cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Logger:        observability.EventLogger(logger.Named("stripe")),
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe gateway", zap.Error(err))
	}

	var storageClient *cloudstorage.Client
	if strings.TrimSpace(cfg.InvoiceArchive.Bucket) != "" {
		storageClient, err = cloudstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
	}
	var archive *platformstorage.Client
	if storageClient != nil {
		archive, err = platformstorage.NewClient(storageClient)
		if err != nil {
			logger.Fatal("failed to initialise invoice archive", zap.Error(err))
		}
	}

	invoices, invoicePayments, err := newInvoiceIssuer(cfg, archive, logger)
	if err != nil {
		logger.Fatal("failed to initialise invoicing", zap.Error(err))
	}

	adapters := di.Adapters{
		Gateway:         stripeGateway,
		Invoices:        invoices,
		InvoicePayments: invoicePayments,
		Build:           buildInfo,
		Logger:          logger,
	}
	if redisClient != nil {
		adapters.Locker = redisstore.NewLocker(redisClient, cfg.Redis.KeyPrefix,
			redisstore.WithLease(cfg.Locking.TTL),
			redisstore.WithWait(cfg.Locking.Wait),
		)
		adapters.Drafts = redisstore.NewDraftStore(redisClient, cfg.Redis.KeyPrefix, cfg.Checkout.DraftTTL)
	} else {
		adapters.Locker = services.NewMemoryLocker()
		adapters.Drafts = services.NewMemoryDraftStore()
	}
	if pubsubClient != nil {
		notifier, err := jobs.NewPubSubNotifier(pubsubClient.Topic(cfg.PubSub.NotificationsTopic), time.Now)
		if err != nil {
			logger.Fatal("failed to initialise notifier", zap.Error(err))
		}
		adapters.Notifier = notifier

		events, err := jobs.NewPubSubEventPublisher(pubsubClient.Topic(cfg.PubSub.EventsTopic))
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
		counted, err := observability.NewCountingEventPublisher(events, nil)
		if err != nil {
			logger.Fatal("failed to initialise order event metrics", zap.Error(err))
		}
		adapters.Events = counted
	}

	container, err := di.NewContainer(cfg, registry, adapters)
	if err != nil {
		logger.Fatal("failed to build services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()
	svc := container.Services

	var idempotencyStore idempotency.Store = idempotency.NewMemoryStore()
	if redisClient != nil {
		idempotencyStore = idempotency.NewRedisStore(redisClient, cfg.Redis.KeyPrefix+"idem:")
	}
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
	)

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithTierClaim(cfg.Firebase.TierClaim))

	catalogHandlers := handlers.NewCatalogHandlers(authenticator, svc.Catalog)
	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, svc.Checkout,
		handlers.WithSubmitRateLimit(submitRateLimit, submitRateWindow, time.Now),
	)
	var orderOpts []handlers.OrderHandlersOption
	if archive != nil {
		orderOpts = append(orderOpts, handlers.WithInvoiceArchive(archive, cfg.InvoiceArchive.Bucket))
	}
	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders, orderOpts...)
	adminHandlers := handlers.NewAdminOrderHandlers(authenticator, svc.Orders)
	webhookHandlers := handlers.NewPaymentWebhookHandlers(stripeGateway, svc.Orders,
		observability.EventLogger(logger.Named("webhooks")),
	)
	jobHandlers := handlers.NewJobHandlers(svc.Orders, cfg.Scheduler.InvoiceCheckBatch,
		observability.EventLogger(logger.Named("jobs")),
	)
	schedulerGuard := buildSchedulerGuard(cfg.Scheduler, logger)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLogger(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.Recovery(logger.Named("http")),
		observability.RequestLogger(),
		idempotencyMiddleware,
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCatalogRoutes(catalogHandlers.Routes),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithJobRoutes(jobHandlers.Routes),
		handlers.WithGroupMiddlewares(handlers.GroupWebhooks, middleware.RequestSize(webhookMaxBody)),
		handlers.WithGroupMiddlewares(handlers.GroupJobs, schedulerGuard),
		handlers.WithRequestTimeout(cfg.Server.WriteTimeout),
	)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("farm2fork order api listening", zap.String("environment", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// buildSchedulerGuard verifies the Google-signed OIDC token Cloud Scheduler attaches to job calls.
func buildSchedulerGuard(cfg config.SchedulerConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Audience) == "" {
		logger.Warn("scheduler audience not configured; internal job routes reject every request")
	}
	validator := auth.NewOIDCValidator(
		auth.NewJWKSCache(cfg.JWKSURL),
		auth.WithOIDCLogger(observability.EventLogger(logger.Named("scheduler_auth"))),
	)
	return validator.RequireServiceToken(auth.ServiceTokenPolicy{
		Audience: cfg.Audience,
		Issuers:  cfg.Issuers,
		Emails:   cfg.ServiceAccounts,
	})
}

// newInvoiceIssuer returns the invoicing adapter together with the Billingo payment lookup used
// by the invoice payment job; archiving only wraps issuing.
func newInvoiceIssuer(cfg config.Config, archive *platformstorage.Client, logger *zap.Logger) (services.InvoiceIssuer, services.InvoicePaymentChecker, error) {
	client, err := invoicing.NewClient(cfg.Billingo.BaseURL, cfg.Billingo.APIKey, cfg.Billingo.Timeout,
		invoicing.WithRetry(billingoAttempts, gax.Backoff{
			Initial:    250 * time.Millisecond,
			Max:        3 * time.Second,
			Multiplier: 2,
		}),
	)
	if err != nil {
		return nil, nil, err
	}
	invoiceLogger := observability.EventLogger(logger.Named("invoicing"))
	issuer, err := invoicing.NewBillingoIssuer(invoicing.IssuerDeps{
		API:      client,
		BlockID:  cfg.Billingo.BlockID,
		Currency: cfg.Checkout.Currency,
		Logger:   invoiceLogger,
	})
	if err != nil {
		return nil, nil, err
	}
	if archive == nil {
		return issuer, issuer, nil
	}
	archiving, err := invoicing.NewArchivingIssuer(invoicing.ArchiveDeps{
		Issuer: issuer,
		Source: client,
		Store:  archive,
		Bucket: cfg.InvoiceArchive.Bucket,
		Prefix: cfg.InvoiceArchive.Prefix,
		Logger: invoiceLogger,
	})
	if err != nil {
		return nil, nil, err
	}
	return archiving, issuer, nil
}

func newHealthRepository(provider *pfirestore.Provider, redisClient *redis.Client, pubsubClient *pubsub.Client, cfg config.Config, fetcher *secrets.Fetcher) (repositories.HealthRepository, error) {
	deps := []repositories.DependencyCheck{{
		Name:     "firestore",
		Critical: true,
		Timeout:  1500 * time.Millisecond,
		Check:    provider.Ping,
	}}
	if redisClient != nil {
		deps = append(deps, repositories.DependencyCheck{
			Name:     "redis",
			Critical: true,
			Timeout:  500 * time.Millisecond,
			Check:    redisstore.HealthCheck(redisClient),
		})
	}
	if pubsubClient != nil {
		topic := pubsubClient.Topic(cfg.PubSub.NotificationsTopic)
		deps = append(deps, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s not found", cfg.PubSub.NotificationsTopic)
				}
				return nil
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		deps = append(deps, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil || errors.Is(err, secrets.ErrNotFound) {
					return nil
				}
				return err
			},
		})
	}
	return repositories.NewDependencyHealthRepository(deps)
}

func firestoreOptions(cfg config.Config) []pfirestore.ProviderOption {
	if file := strings.TrimSpace(cfg.Firebase.CredentialsFile); file != "" && cfg.Firestore.EmulatorHost == "" {
		return []pfirestore.ProviderOption{pfirestore.WithClientOptions(option.WithCredentialsFile(file))}
	}
	return nil
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["F2F_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["F2F_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: cfg.Environment,
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("F2F_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("F2F_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("F2F_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
		secrets.WithProject(project),
	}
	if credentialsFile := lookup("F2F_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

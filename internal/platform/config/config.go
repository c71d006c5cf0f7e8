package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultEnvFile            = ".env"
	defaultPort               = "8080"
	defaultReadTimeout        = 15 * time.Second
	defaultWriteTimeout       = 30 * time.Second
	defaultIdleTimeout        = 120 * time.Second
	defaultShutdownTimeout    = 20 * time.Second
	defaultEnvironment        = "local"
	defaultCurrency           = "HUF"
	defaultPaymentDueDays     = 30
	defaultSimplePaymentSlug  = "simple"
	defaultCatalogCacheTTL    = time.Minute
	defaultDraftTTL           = 7 * 24 * time.Hour
	defaultLockTTL            = 30 * time.Second
	defaultLockWait           = 10 * time.Second
	defaultIdempotencyHeader  = "Idempotency-Key"
	defaultIdempotencyTTL     = 24 * time.Hour
	defaultBillingoBaseURL    = "https://api.billingo.hu/v3"
	defaultBillingoBlockID    = 0
	defaultNotificationsTopic = "order-notifications"
	defaultEventsTopic        = "order-events"
	defaultRedisKeyPrefix     = "f2f:"
	defaultSchedulerJWKSURL   = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSchedulerIssuer    = "https://accounts.google.com"
	defaultInvoiceCheckBatch  = 150
	defaultInvoiceCheckPause  = 1400 * time.Millisecond
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment    string
	Server         ServerConfig
	Firebase       FirebaseConfig
	Firestore      FirestoreConfig
	Redis          RedisConfig
	PubSub         PubSubConfig
	Stripe         StripeConfig
	Billingo       BillingoConfig
	InvoiceArchive InvoiceArchiveConfig
	Checkout       CheckoutConfig
	Locking        LockingConfig
	Idempotency    IdempotencyConfig
	Scheduler      SchedulerConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// FirebaseConfig stores Firebase project settings used for ID-token verification.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	TierClaim       string
	// CheckRevoked makes verification consult Firebase for revoked sessions and disabled users.
	CheckRevoked bool
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	DatabaseID   string
	EmulatorHost string
}

// RedisConfig locates the Redis instance backing locks, drafts and idempotency keys.
// An empty Addr selects the in-process implementations.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// PubSubConfig names the topics for customer notifications and order events.
type PubSubConfig struct {
	ProjectID          string
	NotificationsTopic string
	EventsTopic        string
	EmulatorHost       string
}

// StripeConfig carries card gateway credentials.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

// BillingoConfig configures the invoicing service client.
type BillingoConfig struct {
	BaseURL string
	APIKey  string
	BlockID int
	Timeout time.Duration
}

// InvoiceArchiveConfig selects the bucket invoice PDFs are copied to. Empty disables archiving.
type InvoiceArchiveConfig struct {
	Bucket string
	Prefix string
}

// CheckoutConfig holds the tier-dependent checkout settings.
type CheckoutConfig struct {
	Currency          string
	PaymentDueDays    int
	SimplePaymentSlug string
	CatalogCacheTTL   time.Duration
	DraftTTL          time.Duration
	// MinimumPurchase is keyed by tier name ("public", "vip", "company").
	MinimumPurchase map[string]int64
	// SurchargePercent is keyed by tier name and applies to online payments only.
	SurchargePercent map[string]decimal.Decimal
}

// LockingConfig tunes per-order advisory locks.
type LockingConfig struct {
	TTL  time.Duration
	Wait time.Duration
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header string
	TTL    time.Duration
}

// SchedulerConfig authorises Cloud Scheduler calls to the internal job routes and tunes the
// invoice payment check. An empty Audience rejects every job call.
type SchedulerConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
	// ServiceAccounts restricts callers to these token emails; empty allows any verified caller.
	ServiceAccounts   []string
	InvoiceCheckBatch int
	InvoiceCheckPause time.Duration
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Field string
	Ref   string
	Err   error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("config: resolve secret for %s (%s): %v", e.Field, e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// Load assembles the configuration from the explicit env map, the process environment and the
// .env file, in that order of precedence. Secret references are resolved last.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	src, err := newSource(opts...)
	if err != nil {
		return Config{}, err
	}
	var problems []string
	note := func(field string) { problems = append(problems, field) }

	cfg := Config{
		Environment: strings.ToLower(src.str("F2F_ENVIRONMENT", defaultEnvironment)),
		Server: ServerConfig{
			Port:            src.str("F2F_SERVER_PORT", src.str("PORT", defaultPort)),
			ReadTimeout:     src.duration("F2F_SERVER_READ_TIMEOUT", defaultReadTimeout, note),
			WriteTimeout:    src.duration("F2F_SERVER_WRITE_TIMEOUT", defaultWriteTimeout, note),
			IdleTimeout:     src.duration("F2F_SERVER_IDLE_TIMEOUT", defaultIdleTimeout, note),
			ShutdownTimeout: src.duration("F2F_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout, note),
		},
		Firebase: FirebaseConfig{
			ProjectID:       src.str("F2F_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: src.str("F2F_FIREBASE_CREDENTIALS_FILE", ""),
			TierClaim:       src.str("F2F_FIREBASE_TIER_CLAIM", "tier"),
			CheckRevoked:    src.boolean("F2F_FIREBASE_CHECK_REVOKED", false, note),
		},
		Firestore: FirestoreConfig{
			ProjectID:    src.str("F2F_FIRESTORE_PROJECT_ID", ""),
			DatabaseID:   src.str("F2F_FIRESTORE_DATABASE_ID", ""),
			EmulatorHost: src.str("FIRESTORE_EMULATOR_HOST", ""),
		},
		Redis: RedisConfig{
			Addr:      src.str("F2F_REDIS_ADDR", ""),
			Password:  src.str("F2F_REDIS_PASSWORD", ""),
			DB:        src.integer("F2F_REDIS_DB", 0, note),
			KeyPrefix: src.str("F2F_REDIS_KEY_PREFIX", defaultRedisKeyPrefix),
		},
		PubSub: PubSubConfig{
			ProjectID:          src.str("F2F_PUBSUB_PROJECT_ID", ""),
			NotificationsTopic: src.str("F2F_PUBSUB_NOTIFICATIONS_TOPIC", defaultNotificationsTopic),
			EventsTopic:        src.str("F2F_PUBSUB_EVENTS_TOPIC", defaultEventsTopic),
			EmulatorHost:       src.str("PUBSUB_EMULATOR_HOST", ""),
		},
		Stripe: StripeConfig{
			SecretKey:     src.str("F2F_STRIPE_SECRET_KEY", ""),
			WebhookSecret: src.str("F2F_STRIPE_WEBHOOK_SECRET", ""),
		},
		Billingo: BillingoConfig{
			BaseURL: src.str("F2F_BILLINGO_BASE_URL", defaultBillingoBaseURL),
			APIKey:  src.str("F2F_BILLINGO_API_KEY", ""),
			BlockID: src.integer("F2F_BILLINGO_BLOCK_ID", defaultBillingoBlockID, note),
			Timeout: src.duration("F2F_BILLINGO_TIMEOUT", 15*time.Second, note),
		},
		InvoiceArchive: InvoiceArchiveConfig{
			Bucket: src.str("F2F_INVOICE_ARCHIVE_BUCKET", ""),
			Prefix: src.str("F2F_INVOICE_ARCHIVE_PREFIX", "invoices"),
		},
		Checkout: CheckoutConfig{
			Currency:          strings.ToUpper(src.str("F2F_CHECKOUT_CURRENCY", defaultCurrency)),
			PaymentDueDays:    src.integer("F2F_CHECKOUT_PAYMENT_DUE_DAYS", defaultPaymentDueDays, note),
			SimplePaymentSlug: src.str("F2F_CHECKOUT_SIMPLE_PAYMENT_SLUG", defaultSimplePaymentSlug),
			CatalogCacheTTL:   src.duration("F2F_CHECKOUT_CATALOG_CACHE_TTL", defaultCatalogCacheTTL, note),
			DraftTTL:          src.duration("F2F_CHECKOUT_DRAFT_TTL", defaultDraftTTL, note),
			MinimumPurchase:   src.amounts("F2F_CHECKOUT_MINIMUM_PURCHASE", note),
			SurchargePercent:  src.percents("F2F_CHECKOUT_SURCHARGE_PERCENT", note),
		},
		Locking: LockingConfig{
			TTL:  src.duration("F2F_LOCK_TTL", defaultLockTTL, note),
			Wait: src.duration("F2F_LOCK_WAIT", defaultLockWait, note),
		},
		Idempotency: IdempotencyConfig{
			Header: src.str("F2F_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:    src.duration("F2F_IDEMPOTENCY_TTL", defaultIdempotencyTTL, note),
		},
		Scheduler: SchedulerConfig{
			JWKSURL:           src.str("F2F_SCHEDULER_JWKS_URL", defaultSchedulerJWKSURL),
			Audience:          src.str("F2F_SCHEDULER_AUDIENCE", ""),
			Issuers:           src.list("F2F_SCHEDULER_ISSUERS"),
			ServiceAccounts:   src.list("F2F_SCHEDULER_SERVICE_ACCOUNTS"),
			InvoiceCheckBatch: src.integer("F2F_SCHEDULER_INVOICE_CHECK_BATCH", defaultInvoiceCheckBatch, note),
			InvoiceCheckPause: src.duration("F2F_SCHEDULER_INVOICE_CHECK_PAUSE", defaultInvoiceCheckPause, note),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if len(cfg.Scheduler.Issuers) == 0 {
		cfg.Scheduler.Issuers = []string{defaultSchedulerIssuer}
	}

	secretFields := []struct {
		name  string
		field *string
	}{
		{"Stripe.SecretKey", &cfg.Stripe.SecretKey},
		{"Stripe.WebhookSecret", &cfg.Stripe.WebhookSecret},
		{"Billingo.APIKey", &cfg.Billingo.APIKey},
		{"Redis.Password", &cfg.Redis.Password},
	}
	for _, target := range secretFields {
		resolved, err := resolveSecret(ctx, target.name, *target.field, src.secrets)
		if err != nil {
			return Config{}, err
		}
		*target.field = resolved
	}

	problems = append(problems, validate(cfg)...)
	if len(problems) > 0 {
		sort.Strings(problems)
		return Config{}, &ValidationError{fields: problems}
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, field, value string, resolver SecretResolver) (string, error) {
	ref := strings.TrimSpace(value)
	if !strings.HasPrefix(ref, "secret://") && !strings.HasPrefix(ref, "sm://") {
		return value, nil
	}
	if strings.HasPrefix(ref, "sm://") {
		ref = "secret://" + strings.TrimPrefix(ref, "sm://")
	}
	if resolver == nil {
		return "", &SecretError{Field: field, Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Field: field, Ref: ref, Err: err}
	}
	return strings.TrimSpace(secret), nil
}

func validate(cfg Config) []string {
	var missing []string
	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if cfg.Stripe.SecretKey == "" {
		missing = append(missing, "Stripe.SecretKey")
	}
	if cfg.Stripe.WebhookSecret == "" {
		missing = append(missing, "Stripe.WebhookSecret")
	}
	if cfg.Billingo.APIKey == "" {
		missing = append(missing, "Billingo.APIKey")
	}
	if cfg.Billingo.BlockID <= 0 {
		missing = append(missing, "Billingo.BlockID")
	}
	if cfg.Checkout.PaymentDueDays <= 0 {
		missing = append(missing, "Checkout.PaymentDueDays")
	}
	if len(cfg.Checkout.Currency) != 3 {
		missing = append(missing, "Checkout.Currency")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Locking.TTL <= 0 {
		missing = append(missing, "Locking.TTL")
	}
	if cfg.Scheduler.InvoiceCheckBatch <= 0 || cfg.Scheduler.InvoiceCheckBatch > 500 {
		missing = append(missing, "Scheduler.InvoiceCheckBatch")
	}
	return missing
}

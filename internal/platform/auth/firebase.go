package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/anonline/farm2fork-v3-sub000/internal/platform/config"
)

var errVerifierNotReady = errors.New("auth: firebase verifier not initialised")

// idTokenClient is the slice of the Admin SDK auth client used for customer sessions.
type idTokenClient interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
	VerifyIDTokenAndCheckRevoked(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// FirebaseVerifier checks customer and staff ID tokens against the shop's Firebase project.
// With revocation checks enabled a signed-out or disabled customer cannot keep checking out
// on a cached token.
type FirebaseVerifier struct {
	client       idTokenClient
	timeout      time.Duration
	checkRevoked bool
}

// FirebaseOption customises FirebaseVerifier instances.
type FirebaseOption func(*FirebaseVerifier)

// WithFirebaseTimeout bounds every Admin SDK round trip.
func WithFirebaseTimeout(d time.Duration) FirebaseOption {
	return func(v *FirebaseVerifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithRevocationCheck toggles the extra lookup for revoked refresh tokens.
func WithRevocationCheck(enabled bool) FirebaseOption {
	return func(v *FirebaseVerifier) { v.checkRevoked = enabled }
}

// NewFirebaseVerifier initialises the Admin SDK for the configured project.
func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig, opts ...FirebaseOption) (*FirebaseVerifier, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("auth: firebase project id is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("auth: initialise firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: initialise firebase auth client: %w", err)
	}

	opts = append([]FirebaseOption{WithRevocationCheck(cfg.CheckRevoked)}, opts...)
	return newFirebaseVerifier(client, opts...), nil
}

func newFirebaseVerifier(client idTokenClient, opts ...FirebaseOption) *FirebaseVerifier {
	v := &FirebaseVerifier{client: client, timeout: defaultVerifyTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// VerifyIDToken satisfies TokenVerifier.
func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if v == nil || v.client == nil {
		return nil, errVerifierNotReady
	}
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}
	if v.checkRevoked {
		return v.client.VerifyIDTokenAndCheckRevoked(ctx, idToken)
	}
	return v.client.VerifyIDToken(ctx, idToken)
}

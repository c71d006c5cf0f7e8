package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const stripeResource = "projects/farm/secrets/stripe-secret-key/versions/latest"

func writeFallback(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write fallback: %v", err)
	}
	return path
}

func TestResolveCachesUntilTTL(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values[stripeResource] = "sk_live_1"

	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("farm"),
		WithCacheTTL(time.Minute),
		WithClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	for i := 0; i < 2; i++ {
		got, err := fetcher.Resolve(ctx, "sm://stripe-secret-key")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if got != "sk_live_1" {
			t.Fatalf("expected sk_live_1, got %q", got)
		}
	}
	if calls := client.callCount(stripeResource); calls != 1 {
		t.Fatalf("expected one remote call, got %d", calls)
	}

	now = now.Add(2 * time.Minute)
	client.values[stripeResource] = "sk_live_2"
	got, err := fetcher.Resolve(ctx, "secret://stripe-secret-key")
	if err != nil {
		t.Fatalf("Resolve after expiry: %v", err)
	}
	if got != "sk_live_2" {
		t.Fatalf("expected refreshed value, got %q", got)
	}
}

func TestResolveFallsBackOnPermissionDenied(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.errors[stripeResource] = status.Error(codes.PermissionDenied, "denied")

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("farm"),
		WithFallbackFile(writeFallback(t, "# local\nSTRIPE_SECRET_KEY=\"sk_test_local\"\n")),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	got, err := fetcher.Resolve(ctx, "secret://stripe-secret-key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "sk_test_local" {
		t.Fatalf("expected fallback value, got %q", got)
	}
}

func TestResolveDoesNotFallBackOnNotFound(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("farm"),
		WithFallbackFile(writeFallback(t, "stripe-secret-key=sk_test_local\n")),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	if _, err := fetcher.Resolve(ctx, "secret://stripe-secret-key"); err == nil {
		t.Fatal("expected error for missing remote secret")
	}
}

func TestResolvePinnedVersionAndProjectOverride(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values["projects/billing/secrets/billingo-api-key/versions/3"] = "v3"

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithProject("farm"))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	got, err := fetcher.Resolve(ctx, "secret://billingo-api-key?version=3&project=billing")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "v3" {
		t.Fatalf("expected v3, got %q", got)
	}
}

func TestFallbackOnlyWhenClientUnavailable(t *testing.T) {
	ctx := context.Background()
	original := newSecretManagerClient
	newSecretManagerClient = func(context.Context, ...option.ClientOption) (secretClient, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { newSecretManagerClient = original })

	fetcher, err := NewFetcher(ctx,
		WithProject("farm"),
		WithFallbackFile(writeFallback(t, "BILLINGO_API_KEY=local-key\n")),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	got, err := fetcher.ResolveSecret(ctx, "secret://billingo-api-key")
	if err != nil {
		t.Fatalf("ResolveSecret: %v", err)
	}
	if got != "local-key" {
		t.Fatalf("expected local-key, got %q", got)
	}

	if _, err := fetcher.Resolve(ctx, "secret://unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestParseReferenceRejectsBadInput(t *testing.T) {
	for _, ref := range []string{"", "https://x/y", "secret://"} {
		if _, err := parseReference(ref); err == nil {
			t.Fatalf("expected error for %q", ref)
		}
	}
}

type fakeSecretClient struct {
	mu      sync.Mutex
	values  map[string]string
	errors  map[string]error
	counter map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{
		values:  make(map[string]string),
		errors:  make(map[string]error),
		counter: make(map[string]int),
	}
}

func (f *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := req.GetName()
	f.counter[name]++
	if err := f.errors[name]; err != nil {
		return nil, err
	}
	if value, ok := f.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (f *fakeSecretClient) Close() error { return nil }

func (f *fakeSecretClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter[name]
}

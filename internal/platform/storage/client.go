package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/anonline/farm2fork-v3-sub000/internal/platform/auth"
)

const (
	defaultDownloadExpiry      = 5 * time.Minute
	maxDownloadSignedURLExpiry = 15 * time.Minute
)

var (
	// ErrObjectExists is returned by Put when the object was written before.
	ErrObjectExists = errors.New("storage: object already exists")

	errNoBackend        = errors.New("storage: cloud storage client is required")
	errInvalidBucket    = errors.New("storage: bucket name is required")
	errInvalidObject    = errors.New("storage: object name is required")
	errMethodNotAllowed = errors.New("storage: HTTP method not allowed for download")
	errExpiryTooLong    = errors.New("storage: expiry exceeds permitted maximum")
)

// Signer signs URL payloads with a service account key. Without one the bucket handle
// signs with the ambient credentials.
type Signer interface {
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

// ObjectAttrs describe an object written by Put.
type ObjectAttrs struct {
	ContentType        string
	ContentDisposition string
	CacheControl       string
	Metadata           map[string]string
}

// ObjectWriter receives object content; Close commits the write.
type ObjectWriter interface {
	io.Writer
	Close() error
}

// WriterFunc opens a writer for a new object.
type WriterFunc func(ctx context.Context, bucket, object string, attrs ObjectAttrs) ObjectWriter

// Client writes archive objects and issues short-lived download URLs for them.
type Client struct {
	gcs    *gcs.Client
	open   WriterFunc
	signer Signer
	scheme gcs.SigningScheme
	now    func() time.Time
}

// ClientOption customises client behaviour.
type ClientOption func(*Client)

// WithSigner signs URLs with an explicit key instead of the ambient credentials.
func WithSigner(signer Signer) ClientOption {
	return func(c *Client) {
		if signer != nil && strings.TrimSpace(signer.Email()) != "" {
			c.signer = signer
		}
	}
}

// WithSigningScheme overrides the signing scheme (defaults to V4).
func WithSigningScheme(scheme gcs.SigningScheme) ClientOption {
	return func(c *Client) {
		if scheme != 0 {
			c.scheme = scheme
		}
	}
}

// WithClock injects a custom clock.
func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.now = clock
		}
	}
}

// WithWriter replaces the object writer.
func WithWriter(open WriterFunc) ClientOption {
	return func(c *Client) {
		if open != nil {
			c.open = open
		}
	}
}

// NewClient constructs a storage client. gcsClient may be nil when both a writer and a
// signer are supplied.
func NewClient(gcsClient *gcs.Client, opts ...ClientOption) (*Client, error) {
	client := &Client{
		gcs:    gcsClient,
		scheme: gcs.SigningSchemeV4,
		now:    time.Now,
	}
	if gcsClient != nil {
		client.open = client.gcsWriter
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	if client.open == nil || (client.gcs == nil && client.signer == nil) {
		return nil, errNoBackend
	}
	return client, nil
}

// Put writes body to bucket/object unless the object already exists, in which case
// ErrObjectExists is returned and the stored object is left untouched.
func (c *Client) Put(ctx context.Context, bucket, object string, body io.Reader, attrs ObjectAttrs) error {
	if c == nil || c.open == nil {
		return errNoBackend
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return errInvalidBucket
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return errInvalidObject
	}
	if body == nil {
		return errors.New("storage: body is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := c.open(ctx, bucket, object, attrs)
	if _, err := io.Copy(w, body); err != nil {
		// Cancelling the context aborts the pending upload.
		cancel()
		_ = w.Close()
		return fmt.Errorf("storage: write %s/%s: %w", bucket, object, err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return ErrObjectExists
		}
		return fmt.Errorf("storage: commit %s/%s: %w", bucket, object, err)
	}
	return nil
}

func (c *Client) gcsWriter(ctx context.Context, bucket, object string, attrs ObjectAttrs) ObjectWriter {
	w := c.gcs.Bucket(bucket).Object(object).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = attrs.ContentType
	w.ContentDisposition = attrs.ContentDisposition
	w.CacheControl = attrs.CacheControl
	if len(attrs.Metadata) > 0 {
		w.Metadata = attrs.Metadata
	}
	return w
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

// DownloadOptions control who may download an object and how the response is shaped.
type DownloadOptions struct {
	Method       string
	ExpiresIn    time.Duration
	Disposition  string
	ResponseType string
	OwnerID      string
	Identity     *auth.Identity
}

// SignedURLResult describes the generated signed URL.
type SignedURLResult struct {
	URL       string
	Method    string
	ExpiresAt time.Time
}

// SignedURL creates a download URL for bucket/object after checking the caller may read it.
func (c *Client) SignedURL(ctx context.Context, bucket, object string, opts DownloadOptions) (SignedURLResult, error) {
	if c == nil {
		return SignedURLResult{}, errNoBackend
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return SignedURLResult{}, errInvalidBucket
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return SignedURLResult{}, errInvalidObject
	}

	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodHead {
		return SignedURLResult{}, errMethodNotAllowed
	}

	expiry := opts.ExpiresIn
	if expiry <= 0 {
		expiry = defaultDownloadExpiry
	}
	if expiry > maxDownloadSignedURLExpiry {
		return SignedURLResult{}, errExpiryTooLong
	}

	if err := opts.authorize(); err != nil {
		return SignedURLResult{}, err
	}

	expiresAt := c.now().Add(expiry)
	urlOpts := &gcs.SignedURLOptions{
		Method:  method,
		Expires: expiresAt,
		Scheme:  c.scheme,
	}
	query := map[string]string{}
	if opts.Disposition != "" {
		query["response-content-disposition"] = opts.Disposition
	}
	if opts.ResponseType != "" {
		query["response-content-type"] = opts.ResponseType
	}
	if len(query) > 0 {
		urlOpts.QueryParameters = mapToURLValues(query)
	}

	var (
		signed string
		err    error
	)
	if c.signer != nil {
		urlOpts.GoogleAccessID = c.signer.Email()
		urlOpts.SignBytes = func(payload []byte) ([]byte, error) {
			return c.signer.SignBytes(ctx, payload)
		}
		signed, err = gcs.SignedURL(bucket, object, urlOpts)
	} else {
		signed, err = c.gcs.Bucket(bucket).SignedURL(object, urlOpts)
	}
	if err != nil {
		return SignedURLResult{}, fmt.Errorf("storage: sign download url: %w", err)
	}
	return SignedURLResult{URL: signed, Method: method, ExpiresAt: expiresAt}, nil
}

func mapToURLValues(values map[string]string) url.Values {
	out := make(url.Values, len(values))
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		out.Add(key, values[key])
	}
	return out
}

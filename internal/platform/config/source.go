package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

var knownTiers = map[string]struct{}{"public": {}, "vip": {}, "company": {}}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path. An empty path skips the file.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// EnvironmentValues returns the merged key/value view Load would use, so callers can build the
// secret fetcher from the same inputs before calling Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	src, err := newSource(opts...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(src.dotenv))
	for k, v := range src.dotenv {
		out[k] = v
	}
	if src.system {
		for _, entry := range os.Environ() {
			if k, v, ok := strings.Cut(entry, "="); ok && k != "" {
				out[k] = v
			}
		}
	}
	for k, v := range src.explicit {
		out[k] = v
	}
	return out, nil
}

type source struct {
	explicit map[string]string
	system   bool
	dotenv   map[string]string
	secrets  SecretResolver
}

func newSource(opts ...Option) (*source, error) {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	dotenv := map[string]string{}
	if options.envFile != "" {
		values, err := godotenv.Read(options.envFile)
		switch {
		case err == nil:
			dotenv = values
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("config: read %s: %w", options.envFile, err)
		}
	}
	return &source{
		explicit: options.envMap,
		system:   options.useSystemEnv,
		dotenv:   dotenv,
		secrets:  options.secret,
	}, nil
}

func (s *source) lookup(key string) (string, bool) {
	if v, ok := s.explicit[key]; ok {
		return v, true
	}
	if s.system {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
	}
	v, ok := s.dotenv[key]
	return v, ok
}

func (s *source) str(key, fallback string) string {
	if v, ok := s.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func (s *source) duration(key string, fallback time.Duration, invalid func(string)) time.Duration {
	raw := s.str(key, "")
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		invalid(key)
		return fallback
	}
	return d
}

func (s *source) integer(key string, fallback int, invalid func(string)) int {
	raw := s.str(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		invalid(key)
		return fallback
	}
	return n
}

func (s *source) boolean(key string, fallback bool, invalid func(string)) bool {
	raw := s.str(key, "")
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		invalid(key)
		return fallback
	}
	return b
}

// list parses a comma separated value, dropping blanks.
func (s *source) list(key string) []string {
	var out []string
	for _, entry := range strings.Split(s.str(key, ""), ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

// amounts parses "public=5000,company=20000".
func (s *source) amounts(key string, invalid func(string)) map[string]int64 {
	out := map[string]int64{}
	for tier, raw := range s.tierPairs(key, invalid) {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			invalid(key + "[" + tier + "]")
			continue
		}
		out[tier] = n
	}
	return out
}

// percents parses "public=2.5,vip=1".
func (s *source) percents(key string, invalid func(string)) map[string]decimal.Decimal {
	out := map[string]decimal.Decimal{}
	for tier, raw := range s.tierPairs(key, invalid) {
		d, err := decimal.NewFromString(raw)
		if err != nil || d.IsNegative() {
			invalid(key + "[" + tier + "]")
			continue
		}
		out[tier] = d
	}
	return out
}

func (s *source) tierPairs(key string, invalid func(string)) map[string]string {
	raw := s.str(key, "")
	out := map[string]string{}
	if raw == "" {
		return out
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		tier, value, ok := strings.Cut(entry, "=")
		tier = strings.ToLower(strings.TrimSpace(tier))
		if _, known := knownTiers[tier]; !ok || !known {
			invalid(key)
			continue
		}
		out[tier] = strings.TrimSpace(value)
	}
	return out
}

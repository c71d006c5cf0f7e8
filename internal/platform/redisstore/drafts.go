package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

const defaultDraftTTL = 7 * 24 * time.Hour

// DraftStore keeps checkout drafts as JSON values that expire after ttl of inactivity.
type DraftStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ services.DraftStore = (*DraftStore)(nil)

// NewDraftStore builds a DraftStore. A non-positive ttl selects seven days.
func NewDraftStore(client redis.UniversalClient, prefix string, ttl time.Duration) *DraftStore {
	if ttl <= 0 {
		ttl = defaultDraftTTL
	}
	return &DraftStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *DraftStore) Get(ctx context.Context, key string) (services.CheckoutDraft, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return services.CheckoutDraft{}, false, nil
	}
	if err != nil {
		return services.CheckoutDraft{}, false, fmt.Errorf("redisstore: get draft: %w", err)
	}
	var draft services.CheckoutDraft
	if err := json.Unmarshal(raw, &draft); err != nil {
		return services.CheckoutDraft{}, false, fmt.Errorf("redisstore: decode draft: %w", err)
	}
	return draft, true, nil
}

func (s *DraftStore) Set(ctx context.Context, key string, draft services.CheckoutDraft) error {
	raw, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("redisstore: encode draft: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: set draft: %w", err)
	}
	return nil
}

func (s *DraftStore) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redisstore: clear draft: %w", err)
	}
	return nil
}

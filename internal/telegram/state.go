package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// chatState is the per telegram user pointer to the active conversation.
type chatState struct {
	SessionID        int64  `json:"session_id"`
	ProviderConfigID int64  `json:"provider_config_id"`
	PendingTitle     string `json:"pending_title,omitempty"`
}

type stateStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func newStateStore(rdb *redis.Client, ttl time.Duration) *stateStore {
	return &stateStore{redis: rdb, ttl: ttl}
}

func (s *stateStore) key(telegramUserID int64) string {
	return fmt.Sprintf("chatgate:tg:state:%d", telegramUserID)
}

func (s *stateStore) Set(ctx context.Context, telegramUserID int64, state chatState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, s.key(telegramUserID), string(b), s.ttl).Err()
}

// Get returns the zero state when nothing is stored.
func (s *stateStore) Get(ctx context.Context, telegramUserID int64) (chatState, error) {
	raw, err := s.redis.Get(ctx, s.key(telegramUserID)).Result()
	if errors.Is(err, redis.Nil) {
		return chatState{}, nil
	}
	if err != nil {
		return chatState{}, err
	}
	var state chatState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return chatState{}, err
	}
	return state, nil
}

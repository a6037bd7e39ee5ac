// Package session keeps editor drafts in Redis and publishes host outcomes
// over Redis pub/sub.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"flowext/api/internal/editor"
	"flowext/api/internal/extension"
)

const DefaultOutcomeChannel = "flow:outcomes"

var ErrDraftNotFound = errors.New("draft not found or expired")

// Draft is the resumable state of one editor session.
type Draft struct {
	SessionID      string                    `json:"session_id"`
	Author         string                    `json:"author,omitempty"`
	State          editor.State              `json:"state"`
	AccessMappings []extension.AccessMapping `json:"access_mappings"`
	Groups         []string                  `json:"groups"`
	IsAdmin        bool                      `json:"is_admin"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

const (
	OutcomeSave           = "Save"
	OutcomeCopyTestToProd = "CopyTestToProd"
)

// Outcome is a named event reported back to the host. Payload is empty for
// outcomes that carry no data.
type Outcome struct {
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	Payload   string    `json:"payload,omitempty"`
	EmittedAt time.Time `json:"emitted_at"`
}

// RedisStore implements draft storage and outcome delivery using Redis
type RedisStore struct {
	client  *redis.Client
	prefix  string
	channel string
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:  client,
		prefix:  "draft:",
		channel: DefaultOutcomeChannel,
	}
}

// WithChannel sets the pub/sub channel outcomes are published on.
func (s *RedisStore) WithChannel(channel string) *RedisStore {
	if channel != "" {
		s.channel = channel
	}
	return s
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// SaveDraft stores a draft, replacing any previous one. A non-positive ttl
// keeps the draft for a day.
func (s *RedisStore) SaveDraft(ctx context.Context, draft Draft, ttl time.Duration) error {
	if draft.UpdatedAt.IsZero() {
		draft.UpdatedAt = time.Now().UTC()
	}
	jsonData, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := s.client.Set(ctx, s.key(draft.SessionID), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadDraft(ctx context.Context, sessionID string) (Draft, error) {
	jsonData, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return Draft{}, ErrDraftNotFound
	}
	if err != nil {
		return Draft{}, fmt.Errorf("load draft: %w", err)
	}

	var draft Draft
	if err := json.Unmarshal([]byte(jsonData), &draft); err != nil {
		return Draft{}, fmt.Errorf("unmarshal draft: %w", err)
	}
	if draft.State.EditedFields == nil {
		draft.State.EditedFields = map[string]editor.FieldEdit{}
	}
	return draft, nil
}

// DeleteDraft is a no-op for unknown sessions.
func (s *RedisStore) DeleteDraft(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

func (s *RedisStore) PublishOutcome(ctx context.Context, outcome Outcome) error {
	if outcome.EmittedAt.IsZero() {
		outcome.EmittedAt = time.Now().UTC()
	}
	jsonData, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, jsonData).Err(); err != nil {
		return fmt.Errorf("publish outcome: %w", err)
	}
	return nil
}

// Subscription receives outcomes published after it was created.
type Subscription struct {
	pubsub *redis.PubSub
}

func (s *RedisStore) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	// Wait for the subscribe confirmation so no publish is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	return &Subscription{pubsub: pubsub}, nil
}

// Next blocks until an outcome arrives or ctx is done.
func (sub *Subscription) Next(ctx context.Context) (Outcome, error) {
	msg, err := sub.pubsub.ReceiveMessage(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("receive outcome: %w", err)
	}
	var outcome Outcome
	if err := json.Unmarshal([]byte(msg.Payload), &outcome); err != nil {
		return Outcome{}, fmt.Errorf("unmarshal outcome: %w", err)
	}
	return outcome, nil
}

func (sub *Subscription) Close() error {
	return sub.pubsub.Close()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

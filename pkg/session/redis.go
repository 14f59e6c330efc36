package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gematik/ehealthid-rp/pkg/auth"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ehealthid-rp:session:"

type RedisConfig struct {
	Address  string `yaml:"address" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RedisStore persists sessions in Redis so several relying party instances
// can share one flow. Remove uses GETDEL, Redis serializes commands per key,
// so the single-use guarantee holds across instances.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	flow   *auth.Flow
}

// NewRedisStore connects to Redis. The flow is needed to rebind restored
// steps to the federation gateway.
func NewRedisStore(cfg RedisConfig, ttl time.Duration, flow *auth.Flow) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("unable to connect to redis: %w", err)
	}

	return &RedisStore{client: client, ttl: ttl, flow: flow}, nil
}

// sessionRecord is the wire form of a Session.
type sessionRecord struct {
	ID           string          `json:"id"`
	State        string          `json:"state"`
	Nonce        string          `json:"nonce"`
	RedirectURI  string          `json:"redirect_uri"`
	ClientID     string          `json:"client_id"`
	CodeVerifier string          `json:"code_verifier"`
	Step         json.RawMessage `json:"step"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

func (s *RedisStore) Save(ctx context.Context, session *Session) error {
	if session.ExpiresAt.IsZero() {
		session.ExpiresAt = time.Now().Add(s.ttl)
	}

	step, err := auth.MarshalStep(session.Step)
	if err != nil {
		return fmt.Errorf("unable to encode session step: %w", err)
	}

	data, err := json.Marshal(sessionRecord{
		ID:           session.ID,
		State:        session.State,
		Nonce:        session.Nonce,
		RedirectURI:  session.RedirectURI,
		ClientID:     session.ClientID,
		CodeVerifier: session.CodeVerifier,
		Step:         step,
		ExpiresAt:    session.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("unable to encode session: %w", err)
	}

	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		// already expired, do not resurrect it
		return nil
	}

	if err := s.client.Set(ctx, keyPrefix+session.ID, data, ttl).Err(); err != nil {
		return fmt.Errorf("unable to save session: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, keyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("unable to load session: %w", err)
	}
	return s.decode(data)
}

func (s *RedisStore) Remove(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.GetDel(ctx, keyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("unable to remove session: %w", err)
	}
	return s.decode(data)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) decode(data []byte) (*Session, error) {
	var record sessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("unable to decode session: %w", err)
	}

	// the key TTL should have purged this already, belt and braces
	if time.Now().After(record.ExpiresAt) {
		return nil, nil
	}

	step, err := s.flow.UnmarshalStep(record.Step)
	if err != nil {
		return nil, fmt.Errorf("unable to decode session step: %w", err)
	}

	return &Session{
		ID:           record.ID,
		State:        record.State,
		Nonce:        record.Nonce,
		RedirectURI:  record.RedirectURI,
		ClientID:     record.ClientID,
		CodeVerifier: record.CodeVerifier,
		Step:         step,
		ExpiresAt:    record.ExpiresAt,
	}, nil
}

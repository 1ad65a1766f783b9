package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/forevermessage/forever-message/internal/events"
)

type Store struct {
	client redis.UniversalClient
	rs     *redsync.Redsync
	log    zerolog.Logger
}

func New(redisURL string, log zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("redis url must be provided")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewWithClient(client, log), nil
}

func NewWithClient(client redis.UniversalClient, log zerolog.Logger) *Store {
	return &Store{
		client: client,
		rs:     redsync.New(goredis.NewPool(client)),
		log:    log.With().Str("component", "redis").Logger(),
	}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Publish implements events.Publisher.
func (s *Store) Publish(ctx context.Context, ev events.QueueEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, events.Channel(ev.UserID), body).Err()
}

// Subscribe implements events.Subscriber.
func (s *Store) Subscribe(ctx context.Context, userID string) (<-chan events.QueueEvent, func(), error) {
	ps := s.client.Subscribe(ctx, events.Channel(userID))
	// wait for the subscription confirmation so no event published after
	// Subscribe returns is lost
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan events.QueueEvent, 32)
	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = ps.Close() })
	}

	go func() {
		defer close(out)
		defer cancel()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var ev events.QueueEvent
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					s.log.Warn().Err(err).Str("channel", m.Channel).Msg("bad queue event payload")
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()
	return out, cancel, nil
}

// WithLock runs fn while holding a distributed mutex named lockName.
func (s *Store) WithLock(ctx context.Context, lockName string, ttl time.Duration, fn func(context.Context) error) error {
	mutex := s.rs.NewMutex(lockName, redsync.WithExpiry(ttl), redsync.WithTries(64))
	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("acquire %s: %w", lockName, err)
	}
	defer func() {
		if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
			s.log.Error().Err(err).Str("lock", lockName).Msg("failed to unlock mutex")
		}
	}()
	return fn(ctx)
}

package network

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis pub/sub transport.
type RedisOptions struct {
	DB int
}

// DialRedis returns a Dialer for a Redis server used as the broker. The device
// id is the ACL username and the secret its password.
func DialRedis(opts RedisOptions) Dialer {
	return func(ctx context.Context, creds Credentials) (PubSub, error) {
		return NewRedisPubSub(ctx, creds, opts)
	}
}

// RedisPubSub maps topics onto Redis channels. Wildcard filters become
// PSUBSCRIBE glob patterns.
type RedisPubSub struct {
	ctx    context.Context
	cancel context.CancelFunc
	client *redis.Client

	mu   sync.Mutex
	subs map[*redis.PubSub]struct{}
}

func NewRedisPubSub(parent context.Context, creds Credentials, opts RedisOptions) (*RedisPubSub, error) {
	ctx, cancel := context.WithCancel(context.Background())
	client := redis.NewClient(&redis.Options{
		Addr:     creds.Broker,
		Username: creds.DeviceID,
		Password: creds.Secret,
		DB:       opts.DB,
	})
	if err := client.Ping(parent).Err(); err != nil {
		cancel()
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", creds.Broker, err)
	}
	slog.Info("redis connected", "addr", creds.Broker)
	return &RedisPubSub{
		ctx:    ctx,
		cancel: cancel,
		client: client,
		subs:   make(map[*redis.PubSub]struct{}),
	}, nil
}

func (r *RedisPubSub) Publish(topic string, payload []byte) error {
	if r.ctx.Err() != nil {
		return ErrClosed
	}
	return r.client.Publish(r.ctx, topic, payload).Err()
}

func (r *RedisPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	if r.ctx.Err() != nil {
		return nil, nil, ErrClosed
	}
	var ps *redis.PubSub
	if IsWildcard(topic) {
		ps = r.client.PSubscribe(r.ctx, globPattern(topic))
	} else {
		ps = r.client.Subscribe(r.ctx, topic)
	}
	// Receive blocks until the server confirms the subscription.
	if _, err := ps.Receive(r.ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	r.mu.Lock()
	r.subs[ps] = struct{}{}
	r.mu.Unlock()

	out := make(chan Message, 64)
	in := ps.Channel()
	go func() {
		defer close(out)
		for m := range in {
			select {
			case out <- Message{Topic: m.Channel, Payload: []byte(m.Payload)}:
			default:
				slog.Debug("drop redis message, subscriber full", "topic", m.Channel)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ps)
			r.mu.Unlock()
			_ = ps.Close()
		})
	}
	return out, cancel, nil
}

func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	for ps := range r.subs {
		_ = ps.Close()
		delete(r.subs, ps)
	}
	r.mu.Unlock()
	r.cancel()
	return r.client.Close()
}

// globPattern turns an MQTT filter into a Redis glob. Redis "*" also spans
// "/" so "+" is slightly wider than in MQTT.
func globPattern(filter string) string {
	segs := strings.Split(filter, "/")
	for i, s := range segs {
		if s == WildcardMulti || s == WildcardSingle {
			segs[i] = "*"
		}
	}
	return strings.Join(segs, "/")
}

package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStream backs the persistent side of Publish with Redis Streams
// (XADD, with the groupId stored as an entry field; entries are read with
// XREAD and no consumer groups are created) and the live-only Ephemeral side
// with Redis Pub/Sub — the same go-redis client already wired for
// infrastructure/state's RedisStore.
type RedisStream struct {
	client *redis.Client
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisStream(ctx context.Context, cfg RedisConfig) (*RedisStream, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("stream: ping redis: %w", err)
	}
	return &RedisStream{client: client}, nil
}

func (r *RedisStream) Publish(ctx context.Context, topic, groupID string, payload map[string]interface{}) error {
	body, err := encode(payload)
	if err != nil {
		return fmt.Errorf("stream: encode publish payload: %w", err)
	}
	if err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{"groupId": groupID, "payload": body},
	}).Err(); err != nil {
		return fmt.Errorf("stream: xadd %q: %w", topic, err)
	}
	return nil
}

func (r *RedisStream) Ephemeral(ctx context.Context, topic string, payload map[string]interface{}) error {
	body, err := encode(payload)
	if err != nil {
		return fmt.Errorf("stream: encode ephemeral payload: %w", err)
	}
	if err := r.client.Publish(ctx, "ephemeral:"+topic, body).Err(); err != nil {
		return fmt.Errorf("stream: publish %q: %w", topic, err)
	}
	return nil
}

type redisSubscription struct {
	ch     chan Event
	cancel func()
}

func (s *redisSubscription) Events() <-chan Event { return s.ch }
func (s *redisSubscription) Cancel()               { s.cancel() }

// Subscribe merges live pub/sub broadcasts with newly arriving stream
// entries (read from "$", i.e. only entries appended after the
// subscription starts) into a single filtered channel.
func (r *RedisStream) Subscribe(ctx context.Context, topic string, filter Filter) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan Event, 64)

	pubsub := r.client.Subscribe(subCtx, "ephemeral:"+topic)
	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				payload, err := decode([]byte(msg.Payload))
				if err != nil {
					continue
				}
				e := Event{Topic: topic, Payload: payload, Timestamp: time.Now()}
				if filter.match(e) {
					select {
					case out <- e:
					case <-subCtx.Done():
						return
					}
				}
			}
		}
	}()

	go func() {
		lastID := "$"
		for {
			select {
			case <-subCtx.Done():
				return
			default:
			}
			res, err := r.client.XRead(subCtx, &redis.XReadArgs{
				Streams: []string{topic, lastID},
				Block:   2 * time.Second,
				Count:   50,
			}).Result()
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				continue
			}
			for _, stream := range res {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					groupID, _ := msg.Values["groupId"].(string)
					body, _ := msg.Values["payload"].(string)
					payload, err := decode([]byte(body))
					if err != nil {
						continue
					}
					e := Event{Topic: topic, GroupID: groupID, Payload: payload, Timestamp: time.Now()}
					if filter.match(e) {
						select {
						case out <- e:
						case <-subCtx.Done():
							return
						}
					}
				}
			}
		}
	}()

	return &redisSubscription{
		ch: out,
		cancel: func() {
			cancel()
			pubsub.Close()
		},
	}, nil
}

func (r *RedisStream) Close() error {
	return r.client.Close()
}

package persist

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultPrefix = "basil:"

// Redis keeps values under a key prefix and announces every write on a
// Pub/Sub channel, so listeners in other processes see the same changes.
type Redis struct {
	client  *redis.Client
	prefix  string
	channel string
	logger  *zap.Logger
}

func NewRedis(addr string, password string, db int, prefix string, logger *zap.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisFromClient(client, prefix, logger)
}

func NewRedisFromClient(client *redis.Client, prefix string, logger *zap.Logger) *Redis {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client:  client,
		prefix:  prefix,
		channel: prefix + "changes",
		logger:  logger,
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "persist: get %s", key)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value string) error {
	payload, err := json.Marshal(Change{Key: key, Value: value})
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.prefix+key, value, 0)
		pipe.Publish(ctx, r.channel, payload)
		return nil
	})
	return errors.Wrapf(err, "persist: set %s", key)
}

// Delete removes keys and announces only those that existed, matching
// Memory.
func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	dels := make([]*redis.IntCmd, len(keys))
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			dels[i] = pipe.Del(ctx, r.prefix+key)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "persist: delete")
	}

	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			if dels[i].Val() == 0 {
				continue
			}
			payload, err := json.Marshal(Change{Key: key, Deleted: true})
			if err != nil {
				return err
			}
			pipe.Publish(ctx, r.channel, payload)
		}
		return nil
	})
	return errors.Wrap(err, "persist: announce delete")
}

// Subscribe returns once the subscription is confirmed by the server; fn is
// then called from a background goroutine until cancel is invoked.
func (r *Redis) Subscribe(fn func(Change)) func() {
	ctx, stop := context.WithCancel(context.Background())
	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		r.logger.Warn("persist: subscribe failed", zap.String("channel", r.channel), zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			var change Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				r.logger.Warn("persist: malformed change", zap.String("payload", msg.Payload), zap.Error(err))
				continue
			}
			fn(change)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			_ = ps.Close()
			<-done
		})
	}
}

package correction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/evetabi/slotmine/internal/config"
	"github.com/evetabi/slotmine/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Redis fans corrections out over a Redis Pub/Sub channel so that every
// instance delivers them to the sockets it holds.  Notify only publishes;
// delivery, including to this instance, happens in Listen.
type Redis struct {
	rdb     *redis.Client
	channel string
	local   *Local
	logger  *slog.Logger
}

// NewRedis connects to Redis and verifies it with a PING.
func NewRedis(ctx context.Context, cfg config.RedisConfig, local *Local, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("correction.NewRedis: ping %s: %w", cfg.Addr, err)
	}

	return &Redis{
		rdb:     rdb,
		channel: cfg.Channel,
		local:   local,
		logger:  logger.With("component", "correction_bus", "channel", cfg.Channel),
	}, nil
}

// Notify publishes c on the correction channel.
func (r *Redis) Notify(ctx context.Context, c domain.BalanceCorrection) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("correction.Redis.Notify: encode: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("correction.Redis.Notify: publish %s: %w", r.channel, err)
	}
	return nil
}

// Listen subscribes to the correction channel and delivers every received
// correction through the local hub until ctx is cancelled.
func (r *Redis) Listen(ctx context.Context) error {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("correction.Redis.Listen: subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("correction listener subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("correction listener stopped")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("correction.Redis.Listen: subscription closed")
			}
			r.handle(ctx, []byte(msg.Payload))
		}
	}
}

// handle decodes one payload and hands it to the local hub.  Bad payloads are
// logged and dropped.
func (r *Redis) handle(ctx context.Context, payload []byte) {
	var c domain.BalanceCorrection
	if err := json.Unmarshal(payload, &c); err != nil {
		r.logger.Warn("undecodable correction dropped", "err", err, "bytes", len(payload))
		return
	}
	_ = r.local.Notify(ctx, c)
}

// Close releases the Redis connection pool.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// OTPThrottle enforces a per-phone resend cooldown and a rolling cap on
// sends per window, shared across every API replica.
type OTPThrottle struct {
	client   *redis.Client
	cooldown time.Duration
	window   time.Duration
	maxSends int64
}

func NewOTPThrottle(client *redis.Client, cooldown, window time.Duration, maxSends int) *OTPThrottle {
	return &OTPThrottle{client: client, cooldown: cooldown, window: window, maxSends: int64(maxSends)}
}

// Allow returns zero when a send may proceed, otherwise how long the caller
// should wait.
func (t *OTPThrottle) Allow(ctx context.Context, phone string) (time.Duration, error) {
	cooldownKey, windowKey := throttleKeys(phone)

	if t.cooldown > 0 {
		ok, err := t.client.SetNX(ctx, cooldownKey, 1, t.cooldown).Result()
		if err != nil {
			return 0, err
		}
		if !ok {
			ttl, err := t.client.PTTL(ctx, cooldownKey).Result()
			if err != nil || ttl <= 0 {
				ttl = t.cooldown
			}
			return ttl, nil
		}
	}

	if t.maxSends <= 0 {
		return 0, nil
	}

	pipe := t.client.TxPipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.ExpireNX(ctx, windowKey, t.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	if incr.Val() > t.maxSends {
		ttl, err := t.client.PTTL(ctx, windowKey).Result()
		if err != nil || ttl <= 0 {
			ttl = t.window
		}
		return ttl, nil
	}
	return 0, nil
}

// Release undoes one admitted send: the cooldown is lifted and the window
// counter gives the send back.
func (t *OTPThrottle) Release(ctx context.Context, phone string) error {
	cooldownKey, windowKey := throttleKeys(phone)

	pipe := t.client.TxPipeline()
	if t.cooldown > 0 {
		pipe.Del(ctx, cooldownKey)
	}
	if t.maxSends > 0 {
		pipe.Decr(ctx, windowKey)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func throttleKeys(phone string) (cooldown, window string) {
	return "otp:cooldown:" + phone, "otp:window:" + phone
}

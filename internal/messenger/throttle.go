package messenger

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"wagate/internal/domain"
)

// Throttled paces sends of the wrapped Messenger with a token bucket so bursts
// of API calls do not flood the session.
type Throttled struct {
	domain.Messenger
	limiter *rate.Limiter
}

// Throttle wraps m so that at most perMinute sends happen per minute, with
// up to burst sends back to back. perMinute <= 0 returns m unchanged.
func Throttle(m domain.Messenger, perMinute, burst int) domain.Messenger {
	if perMinute <= 0 {
		return m
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttled{
		Messenger: m,
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst),
	}
}

func (t *Throttled) SendText(ctx context.Context, chatID, text string) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	return t.Messenger.SendText(ctx, chatID, text)
}

func (t *Throttled) SendMedia(ctx context.Context, chatID, path, caption string) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	return t.Messenger.SendMedia(ctx, chatID, path, caption)
}

func (t *Throttled) wait(ctx context.Context) error {
	err := t.limiter.Wait(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil {
		// The limiter refuses up front when the wait would outlast the deadline.
		return fmt.Errorf("throttle: %w: %v", context.DeadlineExceeded, err)
	}
	return fmt.Errorf("throttle: %w", err)
}

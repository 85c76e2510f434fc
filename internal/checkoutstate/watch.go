package checkoutstate

import (
	"context"
	"log/slog"
	"time"
)

// Redirect names a page the client is sent to.
type Redirect string

const (
	RedirectExpired   Redirect = "checkout_expired"
	RedirectComplete  Redirect = "order_confirmation"
	RedirectCancelled Redirect = "cart"
)

// Redirector navigates the client.
type Redirector interface {
	Redirect(ctx context.Context, to Redirect)
}

// RedirectFunc adapts a function to Redirector.
type RedirectFunc func(ctx context.Context, to Redirect)

func (f RedirectFunc) Redirect(ctx context.Context, to Redirect) { f(ctx, to) }

// Watch checks for expiry every interval until ctx is done or the state is
// cleared. On expiry it clears the state, sends RedirectExpired and returns true.
func (s *State) Watch(ctx context.Context, interval time.Duration, r Redirector) bool {
	stop := s.stopped()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if s.Expired() {
			if err := s.Clear(ctx); err != nil {
				s.logger.WarnContext(ctx, "failed to clear expired checkout", slog.String("checkout_id", s.id), slog.Any("error", err))
			}
			s.logger.InfoContext(ctx, "checkout expired", slog.String("checkout_id", s.id))
			if r != nil {
				r.Redirect(ctx, RedirectExpired)
			}
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-stop:
			return false
		case <-ticker.C:
		}
	}
}

package broker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/twquant/tvgateway/internal/domain"
)

// WithRetry runs op, retrying on transient network failures with the 2/4/6 s
// backoff ladder. Business rejections and auth failures surface immediately.
func WithRetry(ctx context.Context, log zerolog.Logger, name string, op func() error) error {
	var err error
	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		err = op()
		if err == nil || !errors.Is(err, domain.ErrNetwork) {
			return err
		}

		if attempt == RetryAttempts {
			break
		}
		wait := time.Duration(attempt) * RetryStep
		log.Warn().Err(err).Str("op", name).Int("attempt", attempt).Dur("wait", wait).
			Msg("Transient failure, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

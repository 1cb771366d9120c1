package sheets

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

const minThrottleWait = 100 * time.Millisecond

// NewWriteLimiter builds a per-spreadsheet write limiter from a rate such as
// "60-M". An empty rate disables limiting.
func NewWriteLimiter(formatted string) (*limiter.Limiter, error) {
	if formatted == "" {
		return nil, nil
	}
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, errors.Wrapf(err, "parse write rate %q", formatted)
	}
	return limiter.New(memory.NewStore(), rate), nil
}

// throttle blocks until the spreadsheet has write budget left or ctx ends.
func (c *Client) throttle(ctx context.Context, id string) error {
	if c.opts.WriteLimiter == nil {
		return nil
	}
	for {
		lc, err := c.opts.WriteLimiter.Get(ctx, id)
		if err != nil {
			return errors.Wrap(err, "write limiter")
		}
		if !lc.Reached {
			return nil
		}
		wait := max(time.Until(time.Unix(lc.Reset, 0)), minThrottleWait)
		c.logger.WithField("document_id", id).WithField("wait", wait.String()).Debug("write quota reached")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

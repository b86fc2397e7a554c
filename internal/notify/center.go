package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Display shows a notification to the local user.
type Display interface {
	Notify(ctx context.Context, title, message string) error
}

// Center routes notifications to the display and webhooks. Failure kinds are
// rate limited per kind so a dead backend does not raise one notice per
// refresh cycle.
type Center struct {
	display  Display
	webhooks *Dispatcher
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	throttle map[Kind]*rate.Sometimes
}

// NewCenter creates a Center. display and webhooks may be nil. interval <= 0
// disables throttling.
func NewCenter(display Display, webhooks *Dispatcher, interval time.Duration, log *zap.Logger) *Center {
	if log == nil {
		log = zap.NewNop()
	}
	return &Center{
		display:  display,
		webhooks: webhooks,
		interval: interval,
		log:      log,
		now:      time.Now,
		throttle: make(map[Kind]*rate.Sometimes),
	}
}

// Send delivers n. Returns true when n was delivered, false when it was
// suppressed by the throttle.
func (c *Center) Send(ctx context.Context, n Notification) bool {
	if n.Timestamp.IsZero() {
		n.Timestamp = c.now()
	}
	if !n.Kind.Failure() || c.interval <= 0 {
		c.deliver(ctx, n)
		return true
	}

	sent := false
	c.limiter(n.Kind).Do(func() {
		c.deliver(ctx, n)
		sent = true
	})
	if !sent {
		c.log.Debug("notification throttled", zap.String("kind", string(n.Kind)))
	}
	return sent
}

func (c *Center) limiter(k Kind) *rate.Sometimes {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.throttle[k]
	if !ok {
		s = &rate.Sometimes{Interval: c.interval}
		c.throttle[k] = s
	}
	return s
}

func (c *Center) deliver(ctx context.Context, n Notification) {
	if c.display != nil {
		if err := c.display.Notify(ctx, n.Title, n.Message); err != nil {
			c.log.Warn("display notification failed",
				zap.String("kind", string(n.Kind)),
				zap.Error(err))
		}
	}
	if c.webhooks != nil {
		c.webhooks.Dispatch(n)
	}
}

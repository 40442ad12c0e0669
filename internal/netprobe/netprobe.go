// Package netprobe answers one question for the admission controller: is the
// network usable right now?
//
// The answer is advisory. A false negative only delays network-gated tasks
// until the next cycle; a false positive means their runs fail and get
// recorded, which is acceptable.
package netprobe

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "questd/pkg/logx"
)

// Prober reports whether the network is currently usable.
type Prober interface {
	Up(ctx context.Context) bool
}

// Static is a fixed answer, used when network checking is disabled.
type Static bool

func (s Static) Up(context.Context) bool { return bool(s) }

// DialProber declares the network up if any target accepts a TCP connection.
type DialProber struct {
	// Targets are host:port addresses tried in order.
	Targets []string
	// Timeout bounds each individual dial attempt.
	Timeout time.Duration

	log logx.Logger
}

// DefaultDialTargets are well-known anycast resolvers.
var DefaultDialTargets = []string{"1.1.1.1:53", "8.8.8.8:53"}

func NewDialProber(targets []string, timeout time.Duration, log logx.Logger) *DialProber {
	if len(targets) == 0 {
		targets = DefaultDialTargets
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DialProber{Targets: targets, Timeout: timeout, log: log}
}

func (p *DialProber) Up(ctx context.Context) bool {
	d := net.Dialer{Timeout: p.Timeout}
	for _, target := range p.Targets {
		conn, err := d.DialContext(ctx, "tcp", target)
		if err == nil {
			_ = conn.Close()
			return true
		}
		p.log.Debug("probe dial failed", logx.String("target", target), logx.Err(err))
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}

// Cached rate-limits an underlying prober and serves the last answer between
// allowed probes. The scheduling loop may call Up every few seconds; the
// probe itself should not hit the network that often.
type Cached struct {
	inner   Prober
	limiter *rate.Limiter

	mu   sync.Mutex
	last bool
	seen bool
}

// NewCached wraps inner so real probes happen at most once per minPeriod.
func NewCached(inner Prober, minPeriod time.Duration) *Cached {
	if minPeriod <= 0 {
		minPeriod = 30 * time.Second
	}
	return &Cached{inner: inner, limiter: rate.NewLimiter(rate.Every(minPeriod), 1)}
}

func (c *Cached) Up(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen && !c.limiter.Allow() {
		return c.last
	}
	c.last = c.inner.Up(ctx)
	c.seen = true
	return c.last
}

package capability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// NewDryRun returns a capability that logs every request and performs
// nothing
func NewDryRun(logger *slog.Logger) Capability {
	return Handler(func(ctx context.Context, req Request) error {
		logger.Info("dry run: action suppressed",
			"op", req.Op,
			"guild", req.GuildID,
			"channel", req.ChannelID,
			"message", req.MessageID,
			"user", req.UserID,
			"content", req.Content,
			"reason", req.Reason,
		)
		return nil
	})
}

// NewLimited wraps c with a token bucket shared by all operations. Waiting
// for a token respects ctx, so a call that times out while queued fails as
// rate-limited without reaching c.
func NewLimited(c Capability, perSecond float64, burst int) Capability {
	limiter := rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	return Handler(func(ctx context.Context, req Request) error {
		if err := limiter.Wait(ctx); err != nil {
			return &Error{Kind: KindRateLimited, Op: req.Op, Err: err}
		}
		return Invoke(ctx, c, req)
	})
}

// Recorder keeps every request in memory. Failures and latency can be
// injected per op. Safe for concurrent use.
type Recorder struct {
	Handler

	mu       sync.Mutex
	requests []Request
	failures map[Op]error
	delay    time.Duration
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	r := &Recorder{failures: make(map[Op]error)}
	r.Handler = r.record
	return r
}

// FailWith makes every later call of op return err. A nil err clears it.
func (r *Recorder) FailWith(op Op, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, op)
		return
	}
	r.failures[op] = err
}

// SetDelay makes every call wait d or until its context is done
func (r *Recorder) SetDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = d
}

func (r *Recorder) record(ctx context.Context, req Request) error {
	r.mu.Lock()
	delay := r.delay
	fail := r.failures[req.Op]
	r.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return &Error{Kind: KindUnavailable, Op: req.Op, Err: ctx.Err()}
		}
	}

	if fail != nil {
		return fail
	}

	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	return nil
}

// Requests returns the successful requests in call order
func (r *Recorder) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.requests...)
}

// Ops returns the ops of the successful requests in call order
func (r *Recorder) Ops() []Op {
	reqs := r.Requests()
	ops := make([]Op, 0, len(reqs))
	for _, req := range reqs {
		ops = append(ops, req.Op)
	}
	return ops
}

// Reset forgets recorded requests
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = nil
}

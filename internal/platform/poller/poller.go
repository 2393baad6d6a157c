// Package poller implements the cooperative single-flight poll loop
// shared by the inbound processor and the BAR builder/sender.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultInterval is the sleep between idle ticks.
const DefaultInterval = 60 * time.Second

// TickFunc performs one unit of work. It reports whether anything was
// found to process; when worked is true the loop ticks again without
// sleeping.
type TickFunc func(ctx context.Context) (worked bool, err error)

// Poller drives a TickFunc in a loop with at most one in-flight
// operation. A tick that finds work is followed immediately by the next
// tick; an idle or failed tick sleeps one interval first.
type Poller struct {
	name     string
	interval time.Duration
	tick     TickFunc
	onIdle   func()
	onError  func(error)
	logger   zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// Option customizes a Poller.
type Option func(*Poller)

// WithInterval overrides the idle/error sleep interval.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.interval = d }
}

// WithIdleFunc installs a callback invoked when a tick finds no work.
func WithIdleFunc(fn func()) Option {
	return func(p *Poller) { p.onIdle = fn }
}

// WithErrorFunc installs a callback invoked when a tick fails.
func WithErrorFunc(fn func(error)) Option {
	return func(p *Poller) { p.onError = fn }
}

// New creates a stopped Poller.
func New(name string, tick TickFunc, logger zerolog.Logger, opts ...Option) *Poller {
	p := &Poller{
		name:     name,
		interval: DefaultInterval,
		tick:     tick,
		logger:   logger.With().Str("poller", name).Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the loop. Calling Start on a running poller is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.stopped = make(chan struct{})

	go p.run(ctx, p.stopped)
	p.logger.Info().Dur("interval", p.interval).Msg("poller started")
}

// Stop cancels the pending sleep and waits for the current iteration to
// complete. Stopping a stopped poller is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, stopped := p.cancel, p.stopped
	p.cancel, p.stopped = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	p.logger.Info().Msg("poller stopped")
}

func (p *Poller) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		worked, err := p.tick(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			p.logger.Error().Err(err).Msg("tick failed")
			if p.onError != nil {
				p.onError(err)
			}
			p.sleep(ctx)
		case worked:
			// Drain the queue without waiting.
		default:
			if p.onIdle != nil {
				p.onIdle()
			}
			p.sleep(ctx)
		}
	}
}

func (p *Poller) sleep(ctx context.Context) {
	t := time.NewTimer(p.interval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

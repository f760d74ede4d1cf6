package order

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Loader interface {
	LoadByNumber(ctx context.Context, number string) (View, error)
}

// Tracker polls one order until it reaches a terminal status. Start replaces
// any running poll, so a tracker never owns more than one ticker. onUpdate may
// call Start or Stop.
type Tracker struct {
	loader   Loader
	interval time.Duration
	onUpdate func(View)
	log      zerolog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	updating chan struct{} // done of the run currently inside onUpdate
}

func NewTracker(loader Loader, interval time.Duration, onUpdate func(View), log zerolog.Logger) *Tracker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if onUpdate == nil {
		onUpdate = func(View) {}
	}
	return &Tracker{loader: loader, interval: interval, onUpdate: onUpdate, log: log}
}

// Start begins polling number, stopping the previous poll first. The returned
// channel closes when polling ends.
func (t *Tracker) Start(ctx context.Context, number string) <-chan struct{} {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	t.mu.Lock()
	prev, wait := t.detachLocked()
	t.cancel, t.done = cancel, done
	t.mu.Unlock()

	if wait {
		<-prev
	}
	go t.run(ctx, number, done)
	return done
}

// Stop ends the running poll, if any, and waits for it to exit. While the poll
// is inside onUpdate Stop returns at once; no further load or update happens and
// the goroutine exits when the callback returns.
func (t *Tracker) Stop() {
	t.mu.Lock()
	prev, wait := t.detachLocked()
	t.mu.Unlock()
	if wait {
		<-prev
	}
}

func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// detachLocked cancels the current run and reports whether the caller has to
// wait for it. A run delivering an update cannot be waited on from its own callback.
func (t *Tracker) detachLocked() (chan struct{}, bool) {
	if t.cancel == nil {
		return nil, false
	}
	done := t.done
	t.cancel()
	t.cancel, t.done = nil, nil
	return done, t.updating != done
}

func (t *Tracker) run(ctx context.Context, number string, done chan struct{}) {
	defer close(done)

	if t.poll(ctx, number, done) {
		return
	}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.poll(ctx, number, done) {
				return
			}
		}
	}
}

// poll reports whether tracking is finished.
func (t *Tracker) poll(ctx context.Context, number string, done chan struct{}) bool {
	if ctx.Err() != nil {
		return true
	}
	v, err := t.loader.LoadByNumber(ctx, number)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		t.log.Warn().Err(err).Str("order_number", number).Msg("order: tracking poll failed")
		return false
	}
	t.mu.Lock()
	if ctx.Err() != nil {
		t.mu.Unlock()
		return true
	}
	t.updating = done
	t.mu.Unlock()

	t.onUpdate(v)

	t.mu.Lock()
	if t.updating == done {
		t.updating = nil
	}
	t.mu.Unlock()
	if ctx.Err() != nil {
		return true
	}
	if v.State.Status.IsTerminal() && !v.State.Pending {
		t.log.Info().Str("order_number", number).Str("status", v.State.Status.String()).Msg("order: tracking finished")
		return true
	}
	return false
}

package pairing

import (
	"context"
	"sync"
	"time"
)

// advance applies one poll outcome to the handshake state and reports
// whether the success callback should fire. Poll errors are transient and
// leave the state unchanged; once authenticated the state never goes back.
func advance(state State, status *Status, err error) (next State, fire bool) {
	if state == StateAuthenticated {
		return StateAuthenticated, false
	}
	if err != nil || status == nil {
		return state, false
	}
	if status.State == StateAuthenticated {
		return StateAuthenticated, true
	}
	return StatePending, false
}

// Watcher is a cancellable handle on a polling loop. The caller owns it and
// must Stop it when the consuming view goes away, unless Done has already
// closed.
type Watcher struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Watch polls the resolver for sessionID on a fixed interval until it
// observes authentication, then invokes onAuthenticated exactly once and
// stops. No further requests are issued after that. Transient failures
// (network errors, 5xx, undecodable bodies, unknown session) keep the loop
// going until the attempt budget runs out.
func (c *Client) Watch(ctx context.Context, sessionID string, onAuthenticated func(User)) *Watcher {
	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.run(ctx, c, sessionID, onAuthenticated)

	return w
}

// Stop cancels the polling loop. Safe to call more than once and after Done.
func (w *Watcher) Stop() {
	w.cancel()
}

// Done closes when the watcher has stopped polling for any reason.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Err reports why the watcher stopped: nil after successful authentication,
// ErrWatchTimeout when the attempt budget ran out, or the context error.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Watcher) run(ctx context.Context, c *Client, sessionID string, onAuthenticated func(User)) {
	defer close(w.done)
	defer w.cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	state := StatePending

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			w.setErr(ctx.Err())
			return
		case <-ticker.C:
		}

		status, err := c.PollStatus(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				w.setErr(ctx.Err())
				return
			}
			c.logf("pairing poll failed (session %s): %v", sessionID, err)
		}

		var fire bool
		state, fire = advance(state, status, err)
		if fire {
			if onAuthenticated != nil {
				onAuthenticated(*status.User)
			}
			return
		}
	}

	w.setErr(ErrWatchTimeout)
}

func (w *Watcher) setErr(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

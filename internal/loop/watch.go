package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agusx1211/letthemcook/internal/debug"
	"github.com/agusx1211/letthemcook/internal/tail"
	"github.com/agusx1211/letthemcook/internal/worker"
)

// startWatch waits for a worker session to appear in the working directory
// and follows it.
func (l *Loop) startWatch(ctx context.Context) {
	l.Display.Info("Waiting for a worker session in %s (start claude there)...", l.WorkDir)
	l.discover(ctx, 0)
}

// discover polls for the session file. limit bounds the attempts, with
// exponential backoff; 0 polls at a fixed interval until ctx ends.
func (l *Loop) discover(ctx context.Context, limit int) {
	go func() {
		interval := l.DiscoverInterval
		for attempt := 1; ; attempt++ {
			sf, err := l.Discover()
			if err == nil {
				l.post(ctx, func() { l.onDiscovered(ctx, sf) })
				return
			}
			if !errors.Is(err, tail.ErrNoSession) {
				debug.LogKV("loop", "discover failed", "attempt", attempt, "error", err)
			}
			if limit > 0 && attempt >= limit {
				l.post(ctx, func() { l.onWatchLost(ctx, err) })
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			if limit > 0 {
				interval *= 2
			}
		}
	}()
}

func (l *Loop) onDiscovered(ctx context.Context, sf tail.SessionFile) {
	if l.State() == StateTerminated {
		return
	}
	if l.handle == nil || !l.handle.Running() {
		l.handle = worker.External(sf.ID)
	}
	if l.Hooks.OnWorkerSession != nil {
		l.Hooks.OnWorkerSession(sf.ID)
	}
	l.Display.Info("Watching session %s", sf.ID)
	debug.LogKV("loop", "following session", "session_id", sf.ID, "path", sf.Path, "size", sf.Size)
	if l.State() == StateIdle {
		l.setState(StateRunning)
	}

	done := l.Tailer.Attach(ctx, l.Follow(sf.Path))
	go func() {
		var err error
		select {
		case err = <-done:
		case <-ctx.Done():
			return
		}
		l.post(ctx, func() { l.onSourceEnded(ctx, sf, err) })
	}()
}

func (l *Loop) onSourceEnded(ctx context.Context, sf tail.SessionFile, err error) {
	if l.State() == StateTerminated || ctx.Err() != nil {
		return
	}
	if err == nil {
		err = tail.ErrSourceLost
	}
	l.lost++
	if l.lost > l.Rediscover {
		l.onWatchLost(ctx, err)
		return
	}
	l.Display.Warn("Lost session %s: %v. Looking for it again...", sf.ID, err)
	l.discover(ctx, l.Rediscover)
}

func (l *Loop) onWatchLost(ctx context.Context, err error) {
	if l.State() == StateTerminated {
		return
	}
	l.Display.Error("Could not find the watched session again: %v", err)
	l.terminate("watched session lost", fmt.Errorf("%w: %v", ErrSourceGone, err))
}

package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/itohio/audiolink/pkg/stage"
)

// Every calls tick once per period until ctx is done. Ticks that could not be
// served on time are not queued: onOverrun receives how many were skipped.
// Shutdown is checked before every tick, so Every returns within one period.
func Every(ctx context.Context, period time.Duration, tick func(), onOverrun func(missed int)) error {
	if period <= 0 {
		return errors.New("period must be positive")
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	next := time.Now().Add(period)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if late := now.Sub(next); late >= period {
				missed := int(late / period)
				next = next.Add(time.Duration(missed) * period)
				if onOverrun != nil {
					onOverrun(missed)
				}
			}
			next = next.Add(period)

			if ctx.Err() != nil {
				return nil
			}
			tick()
		}
	}
}

// OnReady calls fn for every item of ch, waking only when ch is non-empty.
// It returns when ctx is done or the producer closed ch.
func OnReady[T any](ctx context.Context, ch *stage.Channel[T], fn func(T)) error {
	for {
		item, err := ch.Recv(ctx)
		switch {
		case err == nil:
		case errors.Is(err, stage.ErrClosed), ctx.Err() != nil:
			return nil
		default:
			return err
		}
		fn(item)
	}
}

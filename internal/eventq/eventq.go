// Package eventq holds the channel helpers shared by the tailer, the
// interrupt coordinator and the loop.
package eventq

import "context"

// Offer performs a non-blocking send. It returns false when the channel is
// full or already closed. Only lossy consumers (observers) may use it.
func Offer[T any](ch chan<- T, value T) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case ch <- value:
		return true
	default:
		return false
	}
}

// Send blocks until value is delivered or ctx is done. Lossless paths
// (transcript events, turn signals) use it so nothing is dropped under
// backpressure.
func Send[T any](ctx context.Context, ch chan<- T, value T) bool {
	select {
	case ch <- value:
		return true
	case <-ctx.Done():
		return false
	}
}

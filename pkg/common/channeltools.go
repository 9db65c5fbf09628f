package common

import "context"

// SendOnChannel writes msg to c and blocks until ctx is canceled, in which case the write is aborted.
// It reports whether the message was written.
func SendOnChannel[T any](ctx context.Context, c chan<- T, msg T) bool {
	select {
	case c <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// ReadFromChannelWithTimeout reads from the channel until ctx is done or maxCount messages have been read.
func ReadFromChannelWithTimeout[T any](ctx context.Context, ch <-chan T, maxCount int) ([]T, error) {
	out := make([]T, 0, maxCount)
	for len(out) < maxCount {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case msg := <-ch:
			out = append(out, msg)
		}
	}

	return out, nil
}

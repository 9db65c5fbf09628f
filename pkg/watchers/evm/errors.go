package evm

import (
	"context"
	"errors"
	"net"
	"os"
)

// isTimeout reports whether err is a request timeout, the only transport error the watcher recovers from.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

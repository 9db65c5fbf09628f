package supervisor

// Supporting infrastructure to allow running some non-Go payloads under supervision.

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// HTTPServer creates a Runnable that serves HTTP requests as long as it's not canceled. On cancellation the server
// is shut down gracefully.
func HTTPServer(srv *http.Server) Runnable {
	return func(ctx context.Context) error {
		logger := Logger(ctx)
		errC := make(chan error, 1)
		go func() {
			errC <- srv.ListenAndServe()
		}()
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		Signal(ctx, SignalHealthy)

		select {
		case <-ctx.Done():
			//nolint:contextcheck // ctx is already canceled here and Shutdown would return immediately.
			if err := srv.Shutdown(context.Background()); err != nil {
				logger.Error("error while shutting down http server", zap.Error(err))
			}
			return ctx.Err()
		case err := <-errC:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	}
}

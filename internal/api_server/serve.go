package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const gracefulShutdownTimeout = 5 * time.Second

// serve runs srv on listener until ctx is done, then drains the open
// connections for at most gracefulShutdownTimeout.
func serve(ctx context.Context, name string, srv *http.Server, listener net.Listener) error {
	logger := zap.S().Named(name)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		logger.Infow("shutting down", "reason", context.Cause(ctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()
		srv.SetKeepAlivesEnabled(false)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("connections did not drain in time", "error", err)
		}
	}()

	logger.Infow("listening", "address", listener.Addr().String())
	err := srv.Serve(listener)
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	logger.Info("server terminated")
	return nil
}

// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/editnori/metamapctl/internal/logging"
)

// HTTPServerService adapts an *http.Server into a suture.Service: Serve
// starts it in the background, then blocks until ctx is canceled, at which
// point it shuts the server down gracefully within ShutdownTimeout.
type HTTPServerService struct {
	Server          *http.Server
	ShutdownTimeout time.Duration
}

// NewHTTPServerService wraps server for supervision under the API layer.
func NewHTTPServerService(server *http.Server, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{Server: server, ShutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (s *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
		defer cancel()
		if err := s.Server.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("monitoring API: graceful shutdown failed, forcing close")
			s.Server.Close()
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *HTTPServerService) String() string {
	return "monitoring-api:" + s.Server.Addr
}

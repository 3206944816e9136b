// Package httpapi exposes the family registry and the change-notification
// relay over HTTP.
//
// Routes:
//
//	GET    /family/{familyId}          registry entry or 404     (X-Api-Key)
//	PUT    /family/{familyId}          store registry entry      (X-Api-Key)
//	DELETE /family/{familyId}          remove registry entry     (X-Api-Key)
//	POST   /relay/{familyId}/token     family-scoped relay token (X-Api-Key)
//	POST   /relay/{familyId}/notify    signal a change           (Bearer)
//	GET    /relay/{familyId}/events    websocket change events   (Bearer)
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/dmitrijs2005/podsync/internal/logging"
	"github.com/dmitrijs2005/podsync/internal/server/models"
)

// Registry is the registry logic the handlers call into.
type Registry interface {
	Lookup(ctx context.Context, familyID string) (*models.Family, error)
	Put(ctx context.Context, familyID string, f *models.Family) error
	Delete(ctx context.Context, familyID string) error
}

// Relay is the relay logic the handlers call into.
type Relay interface {
	IssueToken(familyID string) (string, error)
	Authorize(token string) (string, error)
	Subscribe(ctx context.Context, familyID string) <-chan struct{}
	Notify(familyID string) int
}

type Server struct {
	address         string
	apiKey          string
	shutdownTimeout time.Duration
	registry        Registry
	relay           Relay
	logger          logging.Logger

	// HeartbeatInterval is how often an event stream is pinged so dead
	// clients are dropped and intermediaries keep it open.
	HeartbeatInterval time.Duration
}

func NewServer(address, apiKey string, shutdownTimeout time.Duration, r Registry, rl Relay, l logging.Logger) *Server {
	return &Server{
		address:           address,
		apiKey:            apiKey,
		shutdownTimeout:   shutdownTimeout,
		registry:          r,
		relay:             rl,
		logger:            l.With("module", "http_server"),
		HeartbeatInterval: 25 * time.Second,
	}
}

// Handler returns the routed handler of the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /family/{familyId}", s.requireAPIKey(http.HandlerFunc(s.getFamily)))
	mux.Handle("PUT /family/{familyId}", s.requireAPIKey(http.HandlerFunc(s.putFamily)))
	mux.Handle("DELETE /family/{familyId}", s.requireAPIKey(http.HandlerFunc(s.deleteFamily)))

	mux.Handle("POST /relay/{familyId}/token", s.requireAPIKey(http.HandlerFunc(s.relayToken)))
	mux.Handle("POST /relay/{familyId}/notify", s.requireRelayToken(http.HandlerFunc(s.relayNotify)))
	mux.Handle("GET /relay/{familyId}/events", s.requireRelayToken(http.HandlerFunc(s.relayEvents)))

	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return s.logRequests(mux)
}

// Run serves until ctx is done, then shuts down gracefully. Open event
// streams are closed when shutdown starts.
func (s *Server) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, listen net.Listener) error {
	streams, closeStreams := context.WithCancel(context.Background())
	defer closeStreams()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return streams },
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		closeStreams()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn(ctx, "shutdown", "err", err)
		}
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", listen.Addr().String())

	if err := srv.Serve(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-done
	return nil
}

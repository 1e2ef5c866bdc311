package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-sse-relay/internal/config"
	"github.com/npezzotti/go-sse-relay/internal/server"
)

type RelayApp struct {
	log            *log.Logger
	srv            *http.Server
	dm             *server.DeliveryManager
	signingKey     []byte
	allowedOrigins []string
	heartbeat      time.Duration
	sendBufferSize int
}

func NewRelayApp(mux *http.ServeMux, logger *log.Logger, dm *server.DeliveryManager, cfg *config.Config) *RelayApp {
	s := &RelayApp{
		log:            logger,
		dm:             dm,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
		heartbeat:      cfg.HeartbeatInterval,
		sendBufferSize: cfg.SendBufferSize,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("GET /api/sse/connect/{userId}", s.authMiddleware(s.serveSSE))
	mux.Handle("GET /api/ws/{userId}", s.authMiddleware(s.serveWs))
	mux.Handle("POST /api/sse/join-room", s.authMiddleware(s.joinRoom))
	mux.Handle("POST /api/sse/leave-room", s.authMiddleware(s.leaveRoom))
	mux.Handle("POST /api/sse/typing", s.authMiddleware(s.typing))
	mux.Handle("POST /api/sse/message-read", s.authMiddleware(s.messageRead))
	mux.Handle("POST /api/sse/new-message", s.authMiddleware(s.newMessage))
	mux.Handle("POST /api/sse/notify", s.authMiddleware(s.notify))
	mux.Handle("POST /api/sse/broadcast", s.authMiddleware(s.broadcast))
	mux.Handle("GET /api/sse/status", s.authMiddleware(s.status))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization", "Last-Event-ID"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	// no WriteTimeout: streams stay open for as long as the client does
	s.srv = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *RelayApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *RelayApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Shutdown(ctx)
	}()

	// stream handlers only return once their stream is closed
	s.dm.Shutdown()

	if err := <-errCh; err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

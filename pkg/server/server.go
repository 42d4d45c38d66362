package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/heathcliff26/simple-fileserver/pkg/middleware"
	"github.com/torxed/github-autorun/pkg/config"
)

type Server struct {
	addr      string
	fullchain string
	privkey   string
	pipeline  *Pipeline
}

func NewServer(cfg config.APIConfig, pipeline *Pipeline) *Server {
	return &Server{
		addr:      net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		fullchain: cfg.Fullchain,
		privkey:   cfg.Privkey,
		pipeline:  pipeline,
	}
}

// Handle incoming github webhook events
// URL: POST /github/
func (s *Server) webhookHandler(res http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		slog.Error("Failed to read request body", slog.String("err", err.Error()))
		res.WriteHeader(http.StatusForbidden)
		return
	}

	decision := s.pipeline.Process(req.Context(),
		req.Header.Get("X-GitHub-Event"),
		body,
		signatureFromHeader(req.Header),
	)
	res.WriteHeader(decision.StatusCode())
}

// Return a health status of the server
// URL: /healthz
func (s *Server) handleHealthCheck(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	_, err := rw.Write([]byte(`{"status":"ok"}`))
	if err != nil {
		slog.Error("Failed to write health check response", slog.String("err", err.Error()))
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
}

func (s *Server) router() http.Handler {
	router := http.NewServeMux()
	router.HandleFunc("POST /github/", s.webhookHandler)
	router.HandleFunc("/healthz", s.handleHealthCheck)
	return middleware.Logging(router)
}

// Starts the server and exits with error if that fails
func (s *Server) Run() error {
	server := http.Server{
		Addr:         s.addr,
		Handler:      s.router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	var err error
	if s.fullchain != "" {
		slog.Info("Starting server", slog.String("addr", s.addr), slog.String("fullchain", s.fullchain), slog.String("privkey", s.privkey))
		err = server.ListenAndServeTLS(s.fullchain, s.privkey)
	} else {
		slog.Info("Starting server", slog.String("addr", s.addr))
		err = server.ListenAndServe()
	}

	// This just means the server was closed after running
	if errors.Is(err, http.ErrServerClosed) {
		slog.Info("Server closed, exiting")
		return nil
	}
	return fmt.Errorf("failed to start server: %w", err)
}

package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"meetchat/internal/auth"
	"meetchat/internal/broker"
	"meetchat/internal/server"
	"meetchat/internal/storage"
)

const shutdownWait = 5 * time.Second

// ServerHandle represents a running development server.
type ServerHandle struct {
	addr   string
	server *http.Server
	broker *broker.Broker
	relay  broker.Relay
	store  *storage.Store
	issuer *auth.Issuer
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Issuer mints tokens the running server accepts.
func (h *ServerHandle) Issuer() *auth.Issuer {
	return h.issuer
}

// Stop disconnects every STOMP client and shuts the HTTP server down.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
	}
	h.cancel()
	_ = h.broker.Close()
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// NewIssuer builds the token issuer for cfg; the secret is required.
func NewIssuer(cfg ServerConfig) (*auth.Issuer, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("server.jwtSecret is required")
	}
	return auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
}

// MintToken issues a bearer token for userID signed with the server secret.
func MintToken(cfg ServerConfig, userID int64, name, avatarURL string) (string, error) {
	issuer, err := NewIssuer(cfg)
	if err != nil {
		return "", err
	}
	return issuer.Mint(userID, name, avatarURL)
}

// GenerateSecret returns a random signing secret for throwaway local servers.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// RunServer opens the store, runs migrations, wires the broker and the HTTP
// routes and starts serving in the background. Call Stop/Wait to manage its
// lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig, logger *zap.Logger) (*ServerHandle, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	issuer, err := NewIssuer(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var relay broker.Relay
	if cfg.RedisURL != "" {
		redisRelay, err := broker.NewRedisRelay(ctx, cfg.RedisURL, logger.Named("relay"))
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("redis relay: %w", err)
		}
		relay = redisRelay
	}

	b, err := broker.New(broker.Config{
		RateLimitBurst:  cfg.RateLimitBurst,
		RateLimitWindow: cfg.RateLimitWindow,
	}, store, issuer, relay, logger.Named("broker"))
	if err != nil {
		closeAll(store, relay)
		return nil, err
	}
	srv, err := server.New(server.Config{
		UploadDir:     cfg.UploadDir,
		MaxFileSize:   cfg.MaxFileSize,
		PublicBaseURL: cfg.PublicBaseURL,
		HistoryLimit:  cfg.HistoryLimit,
	}, store, issuer, b, logger.Named("http"))
	if err != nil {
		closeAll(store, relay)
		return nil, err
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		closeAll(store, relay)
		return nil, fmt.Errorf("listen: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	handle := &ServerHandle{
		addr: listener.Addr().String(),
		server: &http.Server{
			Handler:           srv.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		broker: b,
		relay:  relay,
		store:  store,
		issuer: issuer,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		if err := b.Run(runCtx); err != nil {
			logger.Error("broker relay stopped", zap.Error(err))
		}
	}()
	go func() {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		_ = b.Close()
		if err := handle.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("server shutdown error", zap.Error(err))
		}
	}()
	go handle.serve(listener)

	logger.Info("server listening", zap.String("addr", handle.addr), zap.Bool("redis_relay", relay != nil))
	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	h.cancel()
	if h.relay != nil {
		if err := h.relay.Close(); err != nil {
			h.logger.Warn("relay close error", zap.Error(err))
		}
	}
	if err := h.store.Close(); err != nil {
		h.logger.Warn("store close error", zap.Error(err))
	}
	h.err = err
}

func closeAll(store *storage.Store, relay broker.Relay) {
	if relay != nil {
		_ = relay.Close()
	}
	_ = store.Close()
}

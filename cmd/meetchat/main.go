package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"meetchat/internal/app"
)

const (
	modeServer = "server"
	modeClient = "client"
	modeLocal  = "local"
	modeToken  = "token"
)

func main() {
	mode, args := parseMode(os.Args[1:])
	flagSet := flag.NewFlagSet("meetchat", flag.ExitOnError)
	configPath := flagSet.String("config", envOrDefault("MEETCHAT_CONFIG", ""), "path to a TOML config file")
	addr := flagSet.String("addr", "", "server listen address (overrides config)")
	endpoint := flagSet.String("endpoint", "", "STOMP websocket endpoint (client mode)")
	apiBase := flagSet.String("api", "", "REST API base URL (client mode)")
	token := flagSet.String("token", "", "bearer token (client mode)")
	userID := flagSet.Int64("user-id", 1, "user id to mint a token for (local and token modes)")
	name := flagSet.String("name", envOrDefault("USER", ""), "display name to mint a token for (local and token modes)")
	avatar := flagSet.String("avatar", "", "avatar URL to mint a token for (local and token modes)")
	quiet := flagSet.Bool("quiet", false, "suppress console logs in server mode")
	_ = flagSet.Parse(args)

	cfg, err := app.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	} else if mode == modeLocal {
		cfg.Server.Addr = "127.0.0.1:0"
	}
	if *endpoint != "" {
		cfg.Chat.Endpoint = *endpoint
	}
	if *apiBase != "" {
		cfg.Chat.APIBaseURL = *apiBase
	}
	if *token != "" {
		cfg.Auth.Token = *token
	}
	if remaining := flagSet.Args(); len(remaining) > 0 {
		room, err := app.ParseRoomID(remaining[0])
		if err != nil {
			fatal(err)
		}
		cfg.Chat.RoomID = room
	}

	// the TUI owns the terminal, so only the server logs to the console
	logger, err := app.NewLogger(cfg.Log, mode == modeServer && !*quiet)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case modeServer:
		err = runServerMode(ctx, cfg.Server, logger)
	case modeLocal:
		err = runLocalMode(ctx, cfg, *userID, *name, *avatar, logger)
	case modeToken:
		err = runTokenMode(cfg.Server, *userID, *name, *avatar)
	default:
		err = app.RunClient(ctx, cfg, logger)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("meetchat exited", zap.String("mode", mode), zap.Error(err))
		fatal(err)
	}
}

func runServerMode(ctx context.Context, cfg app.ServerConfig, logger *zap.Logger) error {
	handle, err := app.RunServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return handle.Wait()
}

func runTokenMode(cfg app.ServerConfig, userID int64, name, avatar string) error {
	token, err := app.MintToken(cfg, userID, name, avatar)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runLocalMode(ctx context.Context, cfg app.Config, userID int64, name, avatar string, logger *zap.Logger) error {
	if cfg.Server.JWTSecret == "" {
		secret, err := app.GenerateSecret()
		if err != nil {
			return err
		}
		cfg.Server.JWTSecret = secret
	}

	handle, err := app.RunServer(ctx, cfg.Server, logger)
	if err != nil {
		return err
	}
	defer stopServer(handle)

	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}
	token, err := handle.Issuer().Mint(userID, name, avatar)
	if err != nil {
		return err
	}

	host := handle.Addr()
	cfg.Chat.Endpoint = "ws://" + host + "/api/ws/chat/websocket"
	cfg.Chat.APIBaseURL = "http://" + host + "/api"
	cfg.Auth = app.AuthConfig{Token: token, UserID: userID}
	logger.Info("launching local client", zap.String("endpoint", cfg.Chat.Endpoint))

	if err := app.RunClient(ctx, cfg, logger); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeClient, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeClient, modeLocal, modeToken:
		return strings.ToLower(args[0]), args[1:]
	}
	return modeClient, args
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func stopServer(handle *app.ServerHandle) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "meetchat: %v\n", err)
	os.Exit(1)
}

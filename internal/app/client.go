package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"meetchat/internal/chat"
	"meetchat/internal/tui"
)

// Credentials picks the token source: an explicit token wins over a token file.
func Credentials(cfg AuthConfig) (chat.CredentialProvider, int64, error) {
	switch {
	case cfg.Token != "":
		creds, err := chat.TokenCredentials(cfg.Token, cfg.UserID)
		if err != nil {
			return nil, 0, fmt.Errorf("auth token: %w", err)
		}
		return creds, creds.UserID, nil
	case cfg.TokenFile != "":
		provider := chat.FileCredentials{Path: cfg.TokenFile}
		creds, err := provider.Credentials(context.Background())
		if err != nil {
			return nil, 0, fmt.Errorf("auth token file: %w", err)
		}
		return provider, creds.UserID, nil
	}
	return nil, 0, errors.New("no credentials: set auth.token or auth.tokenFile")
}

// NewController wires the chat session subsystem from configuration.
func NewController(cfg ChatConfig, credentials chat.CredentialProvider, observer chat.Observer, logger *zap.Logger) (*chat.Controller, error) {
	if cfg.Endpoint == "" || cfg.APIBaseURL == "" {
		return nil, errors.New("chat.endpoint and chat.apiBaseURL are required")
	}
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	return chat.NewController(chat.ControllerConfig{
		Endpoint:           cfg.Endpoint,
		TopicPrefix:        cfg.TopicPrefix,
		PublishDestination: cfg.PublishDestination,
		InlineLimit:        cfg.InlineAttachmentLimit,
		Dialer: chat.StompDialer{
			Websocket: &websocket.Dialer{
				Proxy:            http.ProxyFromEnvironment,
				HandshakeTimeout: cfg.RequestTimeout,
			},
			HeartBeat: cfg.HeartBeat,
			Logger:    logger,
		},
		History:     chat.NewHistoryLoader(cfg.APIBaseURL, httpClient, credentials, logger),
		Uploader:    chat.NewHTTPUploader(cfg.APIBaseURL, httpClient, credentials, logger),
		Credentials: credentials,
		Observer:    observer,
		Logger:      logger,
	})
}

// RunClient launches the terminal view against the configured server.
func RunClient(ctx context.Context, cfg Config, logger *zap.Logger) error {
	credentials, userID, err := Credentials(cfg.Auth)
	if err != nil {
		return err
	}
	bridge := &tui.Bridge{}
	ctrl, err := NewController(cfg.Chat, credentials, bridge.Observe, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := ctrl.Shutdown(); err != nil {
			logger.Debug("controller shutdown", zap.Error(err))
		}
	}()

	logger.Info("client starting", zap.String("endpoint", cfg.Chat.Endpoint), zap.Int64("user_id", userID))
	return tui.Run(ctx, bridge, tui.Options{
		Controller:   ctrl,
		UserID:       userID,
		RoomID:       cfg.Chat.RoomID,
		Endpoint:     cfg.Chat.Endpoint,
		ImageBaseURL: cfg.Chat.ImageBaseURL,
		Logger:       logger,
	})
}

// ParseRoomID reads a positive room id from the command line.
func ParseRoomID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid room id %q", raw)
	}
	return id, nil
}

package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"meetchat/internal/chat"
)

const envPrefix = "MEETCHAT_"

// ChatConfig points the client at the broker and the REST side-channels.
type ChatConfig struct {
	Endpoint              string        `toml:"endpoint" env:"ENDPOINT" validate:"omitempty,url"`
	APIBaseURL            string        `toml:"apiBaseURL" env:"API_BASE_URL" validate:"omitempty,url"`
	ImageBaseURL          string        `toml:"imageBaseURL" env:"IMAGE_BASE_URL" validate:"omitempty,url"`
	TopicPrefix           string        `toml:"topicPrefix" env:"TOPIC_PREFIX" validate:"required,startswith=/"`
	PublishDestination    string        `toml:"publishDestination" env:"PUBLISH_DESTINATION" validate:"required,startswith=/"`
	InlineAttachmentLimit int64         `toml:"inlineAttachmentLimit" env:"INLINE_ATTACHMENT_LIMIT" validate:"gte=0"`
	RequestTimeout        time.Duration `toml:"requestTimeout" env:"REQUEST_TIMEOUT" validate:"gte=0"`
	HeartBeat             time.Duration `toml:"heartbeat" env:"HEARTBEAT" validate:"gte=0"`
	RoomID                int64         `toml:"roomId" env:"ROOM_ID" validate:"gte=0"`
}

// AuthConfig says where the client bearer token comes from.
type AuthConfig struct {
	Token     string `toml:"token" env:"TOKEN"`
	TokenFile string `toml:"tokenFile" env:"TOKEN_FILE"`
	UserID    int64  `toml:"userId" env:"USER_ID" validate:"gte=0"`
}

type LogConfig struct {
	Path       string `toml:"path" env:"PATH"`
	Level      string `toml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	MaxSize    int    `toml:"maxSize" env:"MAX_SIZE" validate:"gte=0"`
	MaxBackups int    `toml:"maxBackups" env:"MAX_BACKUPS" validate:"gte=0"`
	MaxAge     int    `toml:"maxAge" env:"MAX_AGE" validate:"gte=0"`
}

// ServerConfig defines how the development HTTP/STOMP backend runs.
type ServerConfig struct {
	Addr            string        `toml:"addr" env:"ADDR" validate:"required"`
	DBPath          string        `toml:"dbPath" env:"DB_PATH" validate:"required"`
	UploadDir       string        `toml:"uploadDir" env:"UPLOAD_DIR" validate:"required"`
	MaxFileSize     int64         `toml:"maxFileSize" env:"MAX_FILE_SIZE" validate:"gt=0"`
	JWTSecret       string        `toml:"jwtSecret" env:"JWT_SECRET" validate:"omitempty,min=16"`
	TokenTTL        time.Duration `toml:"tokenTTL" env:"TOKEN_TTL" validate:"gte=0"`
	PublicBaseURL   string        `toml:"publicBaseURL" env:"PUBLIC_BASE_URL" validate:"omitempty,url"`
	RedisURL        string        `toml:"redisURL" env:"REDIS_URL"`
	RateLimitBurst  int           `toml:"rateLimitBurst" env:"RATE_LIMIT_BURST"`
	RateLimitWindow time.Duration `toml:"rateLimitWindow" env:"RATE_LIMIT_WINDOW" validate:"gte=0"`
	HistoryLimit    int           `toml:"historyLimit" env:"HISTORY_LIMIT" validate:"gte=0"`
}

type Config struct {
	Chat   ChatConfig   `toml:"chat" envPrefix:"CHAT_"`
	Auth   AuthConfig   `toml:"auth" envPrefix:"AUTH_"`
	Log    LogConfig    `toml:"log" envPrefix:"LOG_"`
	Server ServerConfig `toml:"server" envPrefix:"SERVER_"`
}

var configPaths = []string{
	"configs/meetchat_local.toml",
	"configs/meetchat.toml",
}

var validate = validator.New()

// Default returns a configuration that talks to a development server on localhost.
func Default() Config {
	return Config{
		Chat: ChatConfig{
			Endpoint:              "ws://localhost:8080/api/ws/chat/websocket",
			APIBaseURL:            "http://localhost:8080/api",
			TopicPrefix:           chat.DefaultTopicPrefix,
			PublishDestination:    chat.DefaultPublishDestination,
			InlineAttachmentLimit: chat.DefaultInlineLimit,
			RequestTimeout:        chat.DefaultRequestTimeout,
		},
		Log: LogConfig{
			Path:       filepath.Join(DefaultDataDir(), "meetchat.log"),
			Level:      "info",
			MaxSize:    20,
			MaxBackups: 3,
			MaxAge:     14,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			DBPath:          filepath.Join(DefaultDataDir(), "meetchat.db"),
			UploadDir:       filepath.Join(DefaultDataDir(), "uploads"),
			MaxFileSize:     10 << 20,
			TokenTTL:        24 * time.Hour,
			RateLimitBurst:  5,
			RateLimitWindow: 3 * time.Second,
		},
	}
}

// Load reads the TOML file at path (or the first file found on the search
// path when path is empty), applies MEETCHAT_* environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
	} else {
		for _, candidate := range configPaths {
			_, err := toml.DecodeFile(candidate, &cfg)
			if err == nil {
				break
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return cfg, fmt.Errorf("load config %s: %w", candidate, err)
			}
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultDataDir returns a per-user directory for the log, database and uploads.
func DefaultDataDir() string {
	if env := os.Getenv("MEETCHAT_DATA_DIR"); env != "" {
		return env
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "meetchat")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Meetchat")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Meetchat")
		}
		return filepath.Join(home, ".local", "share", "meetchat")
	}
	return filepath.Join(".", ".meetchat")
}

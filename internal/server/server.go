package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"meetchat/internal/auth"
	"meetchat/internal/broker"
	"meetchat/internal/storage"
)

const defaultMaxFileSize = 10 << 20

type Config struct {
	UploadDir     string
	MaxFileSize   int64
	PublicBaseURL string
	HistoryLimit  int
}

// Server is the development backend the chat client talks to: room history,
// the upload side-channel and the STOMP endpoint.
type Server struct {
	cfg     Config
	store   *storage.Store
	issuer  *auth.Issuer
	broker  *broker.Broker
	uploads *FileUploadHandler
	metrics *Metrics
	logger  *zap.Logger
}

type claimsKey struct{}

func New(cfg Config, store *storage.Store, issuer *auth.Issuer, b *broker.Broker, logger *zap.Logger) (*Server, error) {
	switch {
	case store == nil:
		return nil, errors.New("server: store is required")
	case issuer == nil:
		return nil, errors.New("server: token issuer is required")
	case b == nil:
		return nil, errors.New("server: broker is required")
	case cfg.UploadDir == "":
		return nil, errors.New("server: upload dir is required")
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := NewMetrics(b.Metrics())
	return &Server{
		cfg:     cfg,
		store:   store,
		issuer:  issuer,
		broker:  b,
		uploads: NewFileUploadHandler(cfg.UploadDir, cfg.MaxFileSize, cfg.PublicBaseURL, metrics, logger),
		metrics: metrics,
		logger:  logger,
	}, nil
}

func (s *Server) Metrics() *Metrics { return s.metrics }

// Routes mounts every endpoint under the same /api prefix the web client uses.
func (s *Server) Routes() http.Handler {
	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()
	api.Handle("/chat/messages/{roomId:[0-9]+}", s.requireAuth(http.HandlerFunc(s.HandleHistory))).Methods(http.MethodGet)
	api.Handle("/upload/file", s.requireAuth(http.HandlerFunc(s.uploads.HandleUpload))).Methods(http.MethodPost)
	api.HandleFunc("/files/{fileId}/{name}", s.uploads.HandleDownload).Methods(http.MethodGet, http.MethodHead)
	// the SockJS-style websocket transport path and the bare endpoint both speak STOMP
	api.Handle("/ws/chat/websocket", s.broker)
	api.Handle("/ws/chat", s.broker)
	router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return router
}

// requireAuth verifies the bearer token and keeps the sender profile current.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.issuer.FromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		if claims.Name != "" || claims.AvatarURL != "" {
			profile := storage.Profile{UserID: claims.UserIdx, Name: claims.Name, AvatarURL: claims.AvatarURL}
			if err := s.store.UpsertProfile(r.Context(), profile); err != nil {
				s.logger.Warn("profile upsert failed", zap.Int64("user_id", claims.UserIdx), zap.Error(err))
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func claimsFrom(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(claimsKey{}).(*auth.Claims)
	return claims
}

// HandleHistory returns the latest messages of a room, oldest first.
func (s *Server) HandleHistory(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.ParseInt(mux.Vars(r)["roomId"], 10, 64)
	if err != nil || roomID <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid room id"))
		return
	}
	messages, err := s.store.ListMessages(r.Context(), roomID, s.cfg.HistoryLimit)
	if err != nil {
		s.logger.Error("list messages", zap.Int64("room_id", roomID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, errors.New("history unavailable"))
		return
	}
	s.metrics.IncHistory()
	writeJSON(w, http.StatusOK, messages)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// HistorySource loads the persisted backlog of a room, oldest first.
type HistorySource interface {
	LoadHistory(ctx context.Context, roomID int64) ([]ChatMessage, error)
}

// HistoryLoader fetches history from GET {base}/chat/messages/{roomId}.
type HistoryLoader struct {
	api    apiClient
	logger *zap.Logger
}

func NewHistoryLoader(baseURL string, client *http.Client, credentials CredentialProvider, logger *zap.Logger) *HistoryLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryLoader{api: newAPIClient(baseURL, client, credentials), logger: logger}
}

// LoadHistory returns the whole backlog or a fetch error; partial results are
// never returned.
func (h *HistoryLoader) LoadHistory(ctx context.Context, roomID int64) ([]ChatMessage, error) {
	endpoint := h.api.baseURL + "/chat/messages/" + strconv.FormatInt(roomID, 10)
	fail := func(err error) ([]ChatMessage, error) {
		return nil, newError(KindFetch, "GET "+endpoint, roomID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fail(err)
	}
	req.Header.Set("Accept", "application/json")
	body, err := h.api.do(ctx, req)
	if err != nil {
		return fail(err)
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return fail(errors.New("history response is not an array"))
	}
	var records []json.RawMessage
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return fail(err)
	}

	messages := make([]ChatMessage, 0, len(records))
	for i, record := range records {
		msg, err := DecodeMessage(record)
		if err != nil {
			return fail(fmt.Errorf("record %d: %w", i, err))
		}
		if msg.RoomID == 0 {
			msg.RoomID = roomID
		}
		if msg.RoomID != roomID {
			return fail(fmt.Errorf("record %d: %w", i, ErrRoomMismatch))
		}
		if err := msg.Validate(); err != nil {
			return fail(fmt.Errorf("record %d: %w", i, err))
		}
		messages = append(messages, msg)
	}
	h.logger.Debug("history loaded", zap.Int64("room_id", roomID), zap.Int("count", len(messages)))
	return messages, nil
}

package chat

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// MessageType distinguishes plain text from attachment messages.
type MessageType string

const (
	MessageText MessageType = "text"
	MessageFile MessageType = "file"
)

// FileRef points at an attachment. Exactly one of URL or Data is set: URL for
// files that went through the upload side-channel, Data for inline payloads.
type FileRef struct {
	URL       string
	Data      []byte
	MediaType string
	Name      string
}

// Inline reports whether the attachment bytes travel inside the message.
func (f *FileRef) Inline() bool {
	return f != nil && len(f.Data) > 0
}

// DataURL renders an inline attachment as a data: URL for the view layer.
func (f *FileRef) DataURL() string {
	if !f.Inline() {
		return ""
	}
	mediaType := f.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(f.Data)
}

// ChatMessage is one message of a room, in both directions.
type ChatMessage struct {
	// MessageID is the server-issued id. It is optional; when both sides carry
	// one it separates otherwise identical messages.
	MessageID       int64
	RoomID          int64  `validate:"gt=0"`
	SenderID        int64  `validate:"gte=0"`
	SenderName      string `validate:"max=255"`
	SenderAvatarURL string `validate:"max=2048"`
	Content         string
	Type            MessageType `validate:"oneof=text file"`
	FileRef         *FileRef
	CreatedAt       time.Time
}

var validate = validator.New()

// Validate checks the field constraints plus the rule that a file reference is
// present exactly when the message type is file.
func (m ChatMessage) Validate() error {
	if err := validate.Struct(m); err != nil {
		return err
	}
	hasFile := m.FileRef != nil && (m.FileRef.URL != "" || len(m.FileRef.Data) > 0)
	switch {
	case m.Type == MessageFile && !hasFile:
		return errors.New("file message without a file reference")
	case m.Type == MessageText && m.FileRef != nil:
		return errors.New("text message with a file reference")
	case hasFile && m.FileRef.URL != "" && len(m.FileRef.Data) > 0:
		return errors.New("file reference is both inline and uploaded")
	}
	return nil
}

type messageKey struct {
	roomID    int64
	senderID  int64
	createdAt int64
	content   string
	file      string
}

// key is the deduplication identity: room, sender, creation time and content.
// The server id, when present, is compared separately by the Store.
func (m ChatMessage) key() messageKey {
	k := messageKey{
		roomID:    m.RoomID,
		senderID:  m.SenderID,
		createdAt: m.CreatedAt.UnixMilli(),
		content:   m.Content,
	}
	if m.FileRef != nil {
		if m.FileRef.URL != "" {
			k.file = m.FileRef.URL
		} else {
			k.file = m.FileRef.Name + "#" + strconv.Itoa(len(m.FileRef.Data))
		}
	}
	return k
}

// wireMessage is the JSON body exchanged with the broker and the history endpoint.
// The camelCase file fields are the older inline attachment frames.
type wireMessage struct {
	MessageID       int64       `json:"message_idx,omitempty"`
	RoomID          int64       `json:"room_idx"`
	SenderID        int64       `json:"sender_idx"`
	SenderName      string      `json:"sender_name,omitempty"`
	SenderAvatarURL string      `json:"sender_avatar_url,omitempty"`
	Content         string      `json:"content"`
	MessageType     MessageType `json:"message_type"`
	CreatedAt       Timestamp   `json:"created_at"`
	FileURL         *string     `json:"file_url"`
	FileData        string      `json:"file_data,omitempty"`
	FileType        string      `json:"file_type,omitempty"`
	FileName        string      `json:"file_name,omitempty"`

	LegacySender   string `json:"sender,omitempty"`
	LegacyFileData string `json:"fileData,omitempty"`
	LegacyFileType string `json:"fileType,omitempty"`
	LegacyFileName string `json:"fileName,omitempty"`
}

func (m ChatMessage) MarshalJSON() ([]byte, error) {
	wire := wireMessage{
		MessageID:       m.MessageID,
		RoomID:          m.RoomID,
		SenderID:        m.SenderID,
		SenderName:      m.SenderName,
		SenderAvatarURL: m.SenderAvatarURL,
		Content:         m.Content,
		MessageType:     m.Type,
		CreatedAt:       Timestamp{m.CreatedAt},
	}
	if ref := m.FileRef; ref != nil {
		if ref.URL != "" {
			url := ref.URL
			wire.FileURL = &url
		}
		if len(ref.Data) > 0 {
			wire.FileData = base64.StdEncoding.EncodeToString(ref.Data)
		}
		wire.FileType = ref.MediaType
		wire.FileName = ref.Name
	}
	return json.Marshal(wire)
}

func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	msg := ChatMessage{
		MessageID:       wire.MessageID,
		RoomID:          wire.RoomID,
		SenderID:        wire.SenderID,
		SenderName:      wire.SenderName,
		SenderAvatarURL: wire.SenderAvatarURL,
		Content:         wire.Content,
		Type:            wire.MessageType,
		CreatedAt:       wire.CreatedAt.Time,
	}
	if msg.SenderName == "" {
		msg.SenderName = wire.LegacySender
	}

	fileData := firstNonEmpty(wire.FileData, wire.LegacyFileData)
	ref := &FileRef{
		MediaType: firstNonEmpty(wire.FileType, wire.LegacyFileType),
		Name:      firstNonEmpty(wire.FileName, wire.LegacyFileName),
	}
	if wire.FileURL != nil {
		ref.URL = strings.TrimSpace(*wire.FileURL)
	}
	if fileData != "" {
		decoded, err := base64.StdEncoding.DecodeString(fileData)
		if err != nil {
			return fmt.Errorf("inline file data: %w", err)
		}
		ref.Data = decoded
	}
	if ref.URL != "" || len(ref.Data) > 0 {
		msg.FileRef = ref
	}
	if msg.Type == "" {
		msg.Type = MessageText
		if msg.FileRef != nil {
			msg.Type = MessageFile
		}
	}
	*m = msg
	return nil
}

// EncodeMessage validates msg and serializes it as a frame body.
func EncodeMessage(msg ChatMessage) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// DecodeMessage parses a frame body. It does not validate: callers fill in
// context (such as the subscribed room) first.
func DecodeMessage(body []byte) (ChatMessage, error) {
	var msg ChatMessage
	if len(bytes.TrimSpace(body)) == 0 {
		return msg, errors.New("empty body")
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// Timestamp reads the date formats the server emits: RFC 3339, zone-less ISO
// local date-times (taken as UTC) and unix milliseconds.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

const timestampOutLayout = "2006-01-02T15:04:05.000Z07:00"

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(timestampOutLayout))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` || raw == "" {
		t.Time = time.Time{}
		return nil
	}
	if !strings.HasPrefix(raw, `"`) {
		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("timestamp %s: %w", raw, err)
		}
		t.Time = time.UnixMilli(millis).UTC()
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.ParseInLocation(layout, text, time.UTC); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", text)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultInlineLimit is the largest attachment sent inside the message body.
// Anything bigger goes through the upload side-channel.
const DefaultInlineLimit int64 = 256 << 10

// Sender publishes composed messages for one room.
type Sender interface {
	RoomID() int64
	Ready() bool
	Send(ctx context.Context, msg ChatMessage) error
}

type ComposerConfig struct {
	RoomID      int64
	Credentials CredentialProvider
	// Uploader may be nil, in which case oversize attachments are rejected.
	Uploader    Uploader
	InlineLimit int64
	Now         func() time.Time
	Logger      *zap.Logger
}

// Composer turns a draft into exactly one wire message and owns the draft
// until that message has been sent.
type Composer struct {
	roomID      int64
	credentials CredentialProvider
	uploader    Uploader
	inlineLimit int64
	now         func() time.Time
	logger      *zap.Logger

	mu     sync.Mutex
	text   string
	staged *Attachment
}

func NewComposer(cfg ComposerConfig) *Composer {
	if cfg.InlineLimit <= 0 {
		cfg.InlineLimit = DefaultInlineLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Composer{
		roomID:      cfg.RoomID,
		credentials: cfg.Credentials,
		uploader:    cfg.Uploader,
		inlineLimit: cfg.InlineLimit,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
}

func (c *Composer) SetText(text string) {
	c.mu.Lock()
	c.text = text
	c.mu.Unlock()
}

func (c *Composer) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// Stage attaches file to the draft, replacing any staged file.
func (c *Composer) Stage(file Attachment) {
	c.mu.Lock()
	c.staged = &file
	c.mu.Unlock()
}

func (c *Composer) Unstage() {
	c.mu.Lock()
	c.staged = nil
	c.mu.Unlock()
}

// Staged returns the staged file, if any.
func (c *Composer) Staged() (Attachment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.staged == nil {
		return Attachment{}, false
	}
	return *c.staged, true
}

func (c *Composer) Clear() {
	c.mu.Lock()
	c.text = ""
	c.staged = nil
	c.mu.Unlock()
}

// Compose builds the outbound message for text and an optional file. A file
// at or under the inline limit travels base64-encoded in the message; a larger
// one is uploaded first and referenced by URL. Upload failures emit nothing.
func (c *Composer) Compose(ctx context.Context, text string, file *Attachment) (ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" && file == nil {
		return ChatMessage{}, newError(KindCompose, "compose", c.roomID, ErrEmptyMessage)
	}

	var senderID int64
	if c.credentials != nil {
		creds, err := c.credentials.Credentials(ctx)
		if err != nil {
			return ChatMessage{}, newError(KindCompose, "credentials", c.roomID, err)
		}
		senderID = creds.UserID
	}
	msg := ChatMessage{
		RoomID:    c.roomID,
		SenderID:  senderID,
		Content:   text,
		Type:      MessageText,
		CreatedAt: c.now().UTC().Truncate(time.Millisecond),
	}
	if file == nil {
		return msg, nil
	}

	if file.Name == "" {
		return ChatMessage{}, newError(KindCompose, "compose", c.roomID, errUnnamedAttachment)
	}
	if file.Size() == 0 {
		return ChatMessage{}, newError(KindCompose, "compose "+file.Name, c.roomID, errEmptyAttachment)
	}
	msg.Type = MessageFile

	if file.Size() <= c.inlineLimit {
		if msg.Content == "" {
			msg.Content = file.Name
		}
		msg.FileRef = &FileRef{
			Data:      file.Data,
			MediaType: file.mediaType(),
			Name:      file.Name,
		}
		return msg, nil
	}

	if c.uploader == nil {
		return ChatMessage{}, newError(KindCompose, "compose "+file.Name, c.roomID, ErrAttachmentTooLarge)
	}
	fileURL, err := c.uploader.Upload(ctx, *file)
	if err != nil {
		if KindOf(err) == KindUpload {
			return ChatMessage{}, err
		}
		return ChatMessage{}, newError(KindUpload, "upload "+file.Name, c.roomID, err)
	}
	msg.Content = file.Name
	msg.FileRef = &FileRef{URL: fileURL, MediaType: file.mediaType(), Name: file.Name}
	return msg, nil
}

// Submit composes the draft and sends it through sender. The draft is cleared
// only after the send succeeded; on any failure it is left for the user to
// retry.
func (c *Composer) Submit(ctx context.Context, sender Sender) (ChatMessage, error) {
	c.mu.Lock()
	text := c.text
	staged := c.staged
	c.mu.Unlock()

	if strings.TrimSpace(text) == "" && staged == nil {
		return ChatMessage{}, newError(KindCompose, "compose", c.roomID, ErrEmptyMessage)
	}
	if sender.RoomID() != c.roomID {
		return ChatMessage{}, newError(KindSend, "send", c.roomID, ErrRoomMismatch)
	}
	if !sender.Ready() {
		return ChatMessage{}, newError(KindSend, "send", c.roomID, ErrNotReady)
	}

	msg, err := c.Compose(ctx, text, staged)
	if err != nil {
		return ChatMessage{}, err
	}
	if err := sender.Send(ctx, msg); err != nil {
		return ChatMessage{}, err
	}

	// keep anything the user changed while the send was in flight
	c.mu.Lock()
	if c.text == text {
		c.text = ""
	}
	if c.staged == staged {
		c.staged = nil
	}
	c.mu.Unlock()
	c.logger.Debug("message sent", zap.Int64("room_id", c.roomID), zap.String("type", string(msg.Type)))
	return msg, nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"

	"meetchat/internal/chat"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
	defaultHistoryLimit  = 500
)

// Store wraps the SQLite handle that keeps room history for the development server.
type Store struct {
	db *sql.DB
}

// Profile is the display metadata stamped onto messages a user sends.
type Profile struct {
	UserID    int64
	Name      string
	AvatarURL string
	UpdatedAt time.Time
}

// ErrMessageExists is returned when a message id is inserted twice.
var ErrMessageExists = errors.New("message already exists")

// NewStore opens the SQLite database at path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "meetchat.db"
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) (err error) {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id INTEGER PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id INTEGER NOT NULL,
			sender_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			message_type TEXT NOT NULL CHECK (message_type IN ('text', 'file')),
			file_url TEXT,
			file_data BLOB,
			file_type TEXT,
			file_name TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, id);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpsertProfile records the display name and avatar of a user.
func (s *Store) UpsertProfile(ctx context.Context, profile Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles(user_id, name, avatar_url, updated_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET name=excluded.name, avatar_url=excluded.avatar_url, updated_at=excluded.updated_at
	`, profile.UserID, profile.Name, profile.AvatarURL, time.Now().UnixMilli())
	return err
}

// GetProfile returns nil when the user never registered a profile.
func (s *Store) GetProfile(ctx context.Context, userID int64) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, name, avatar_url, updated_at FROM profiles WHERE user_id = ?`, userID)
	var (
		profile Profile
		updated int64
	)
	if err := row.Scan(&profile.UserID, &profile.Name, &profile.AvatarURL, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	profile.UpdatedAt = time.UnixMilli(updated).UTC()
	return &profile, nil
}

// AppendMessage persists msg and returns it with the assigned message id.
// Sender display metadata is not stored; it is joined from profiles on read.
func (s *Store) AppendMessage(ctx context.Context, msg chat.ChatMessage) (chat.ChatMessage, error) {
	if err := msg.Validate(); err != nil {
		return msg, fmt.Errorf("invalid message: %w", err)
	}
	var (
		fileURL, fileType, fileName sql.NullString
		fileData                    []byte
	)
	if ref := msg.FileRef; ref != nil {
		fileURL = nullString(ref.URL)
		fileType = nullString(ref.MediaType)
		fileName = nullString(ref.Name)
		fileData = ref.Data
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC().Truncate(time.Millisecond)

	args := []any{msg.RoomID, msg.SenderID, msg.Content, string(msg.Type), fileURL, fileData, fileType, fileName, msg.CreatedAt.UnixMilli()}
	query := `INSERT INTO messages(room_id, sender_id, content, message_type, file_url, file_data, file_type, file_name, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if msg.MessageID != 0 {
		query = `INSERT INTO messages(id, room_id, sender_id, content, message_type, file_url, file_data, file_type, file_name, created_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		args = append([]any{msg.MessageID}, args...)
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isConstraintError(err) {
			return msg, ErrMessageExists
		}
		return msg, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return msg, err
	}
	msg.MessageID = id
	return msg, nil
}

// ListMessages returns the newest limit messages of a room, oldest first.
func (s *Store) ListMessages(ctx context.Context, roomID int64, limit int) ([]chat.ChatMessage, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT m.id, m.room_id, m.sender_id, COALESCE(p.name, ''), COALESCE(p.avatar_url, ''),
				m.content, m.message_type, m.file_url, m.file_data, m.file_type, m.file_name, m.created_at
			FROM messages m
			LEFT JOIN profiles p ON p.user_id = m.sender_id
			WHERE m.room_id = ?
			ORDER BY m.id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]chat.ChatMessage, 0)
	for rows.Next() {
		var (
			msg                         chat.ChatMessage
			msgType                     string
			fileURL, fileType, fileName sql.NullString
			fileData                    []byte
			created                     int64
		)
		if err := rows.Scan(&msg.MessageID, &msg.RoomID, &msg.SenderID, &msg.SenderName, &msg.SenderAvatarURL,
			&msg.Content, &msgType, &fileURL, &fileData, &fileType, &fileName, &created); err != nil {
			return nil, err
		}
		msg.Type = chat.MessageType(msgType)
		msg.CreatedAt = time.UnixMilli(created).UTC()
		if fileURL.String != "" || len(fileData) > 0 {
			msg.FileRef = &chat.FileRef{
				URL:       fileURL.String,
				Data:      fileData,
				MediaType: fileType.String,
				Name:      fileName.String,
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// CountMessages reports how many messages a room holds.
func (s *Store) CountMessages(ctx context.Context, roomID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE room_id = ?`, roomID).Scan(&count)
	return count, err
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}

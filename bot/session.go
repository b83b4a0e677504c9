package bot

import (
	"bytes"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
)

var (
	columnSessionChannelID = "channel_id"
	columnSessionLastUsed  = "last_used"
	columnSessionEphemeral = "ephemeral"
)

// Session pairs a user with their private room channel. At most one
// session exists per owner, enforced both by a check in
// [RoomManager.CreateRoom] and by the unique index on OwnerID.
type Session struct {
	ModelUintID

	// OwnerID is the Discord user ID the room belongs to
	OwnerID string `json:"owner_id" gorm:"uniqueIndex;type:string"`

	// ChannelID is the Discord channel ID of the room
	ChannelID string `json:"channel_id" gorm:"index;type:string"`

	// LastUsed is refreshed on every completion exchange, and drives
	// idle expiry. Stored in unix milliseconds.
	LastUsed int64 `json:"last_used" gorm:"column:last_used"`

	// Ephemeral controls whether prompt responses in this room are
	// delivered as ephemeral interaction replies
	Ephemeral bool `json:"ephemeral" gorm:"type:bool;default:false"`

	ModelUnixTime
}

func (s *Session) LogValue() slog.Value {
	if s == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Uint64("id", uint64(s.ID)),
		slog.String("owner_id", s.OwnerID),
		slog.String("channel_id", s.ChannelID),
		slog.Time("last_used", time.UnixMilli(s.LastUsed)),
		slog.Bool("ephemeral", s.Ephemeral),
	)
}

// IdleSince reports whether the session has gone unused for longer than
// the given threshold, as of `at`.
func (s *Session) IdleSince(at time.Time, threshold time.Duration) bool {
	return time.UnixMilli(s.LastUsed).Add(threshold).Before(at)
}

// Message is one entry in a session's chat history. Content is stored
// zlib-compressed; rows are append-only and deleted with their session.
type Message struct {
	ModelUintID

	SessionID uint   `json:"session_id" gorm:"index"`
	Role      string `json:"role" gorm:"type:string"`
	Content   []byte `json:"-" gorm:"type:blob"`

	ModelUnixTime
}

// ChatMessage is a decoded chat history entry, in the shape sent to the
// completion provider.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SessionStore is the persistence layer for sessions and their chat
// history. Reads go through the plain GORM connection; writes go through
// the serialized write wrapper.
type SessionStore struct {
	db      *gorm.DB
	writeDB DBI
	logger  *slog.Logger
}

func NewSessionStore(db *gorm.DB, writeDB DBI, log *slog.Logger) *SessionStore {
	if log == nil {
		log = slog.Default()
	}
	return &SessionStore{
		db:      db,
		writeDB: writeDB,
		logger:  log.With(loggerNameKey, "session_store"),
	}
}

// CreateSession inserts a new session row for the given owner and
// channel, with LastUsed set to now.
func (s *SessionStore) CreateSession(
	ctx context.Context,
	ownerID string,
	channelID string,
) (*Session, error) {
	session := &Session{
		OwnerID:   ownerID,
		ChannelID: channelID,
		LastUsed:  time.Now().UTC().UnixMilli(),
	}
	if _, err := s.writeDB.Create(ctx, session); err != nil {
		s.logger.ErrorContext(ctx, "error creating session", tint.Err(err), "session", session)
		return nil, fmt.Errorf("error creating session: %w", err)
	}
	return session, nil
}

// GetSession returns the session owned by the given user, or nil if no
// row exists. A nil session with a nil error means "no session".
func (s *SessionStore) GetSession(ctx context.Context, ownerID string) (*Session, error) {
	var session Session
	err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Take(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		s.logger.ErrorContext(ctx, "error getting session", tint.Err(err), "owner_id", ownerID)
		return nil, err
	}
	return &session, nil
}

// SessionByChannel returns the session whose room is the given channel,
// or nil if the channel isn't a known room.
func (s *SessionStore) SessionByChannel(
	ctx context.Context,
	channelID string,
) (*Session, error) {
	var session Session
	err := s.db.WithContext(ctx).Where("channel_id = ?", channelID).Take(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// UpdateSession upserts the row keyed by the session's owner: the channel
// ID and ephemeral flag are written, and LastUsed is refreshed. If no row
// exists for the owner, one is inserted.
func (s *SessionStore) UpdateSession(ctx context.Context, session *Session) error {
	session.LastUsed = time.Now().UTC().UnixMilli()

	existing, err := s.GetSession(ctx, session.OwnerID)
	if err != nil {
		return err
	}
	if existing == nil {
		_, err = s.writeDB.Create(ctx, session)
		if err != nil {
			s.logger.ErrorContext(ctx, "error upserting session", tint.Err(err), "session", session)
		}
		return err
	}

	session.ID = existing.ID
	if _, err = s.writeDB.Updates(
		ctx,
		&Session{ModelUintID: ModelUintID{ID: existing.ID}},
		map[string]any{
			columnSessionChannelID: session.ChannelID,
			columnSessionLastUsed:  session.LastUsed,
			columnSessionEphemeral: session.Ephemeral,
		},
	); err != nil {
		s.logger.ErrorContext(ctx, "error updating session", tint.Err(err), "session", session)
		return fmt.Errorf("error updating session: %w", err)
	}
	return nil
}

// Touch refreshes the session's LastUsed timestamp.
func (s *SessionStore) Touch(ctx context.Context, session *Session) error {
	session.LastUsed = time.Now().UTC().UnixMilli()
	_, err := s.writeDB.Update(ctx, session, columnSessionLastUsed, session.LastUsed)
	if err != nil {
		s.logger.ErrorContext(ctx, "error touching session", tint.Err(err), "session", session)
	}
	return err
}

// DeleteSession removes the owner's session row and its messages in a
// single transaction. Deleting an absent owner is a no-op.
func (s *SessionStore) DeleteSession(ctx context.Context, ownerID string) error {
	err := s.writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			var session Session
			if err := tx.Where("owner_id = ?", ownerID).Take(&session).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil
				}
				return err
			}
			if err := tx.Unscoped().Where(
				"session_id = ?", session.ID,
			).Delete(&Message{}).Error; err != nil {
				return err
			}
			return tx.Unscoped().Delete(&session).Error
		},
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "error deleting session", tint.Err(err), "owner_id", ownerID)
		return fmt.Errorf("error deleting session: %w", err)
	}
	return nil
}

// Sessions returns all session rows.
func (s *SessionStore) Sessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	err := s.db.WithContext(ctx).Find(&sessions).Error
	return sessions, err
}

// SessionChannelIDs returns the channel IDs of every known room.
func (s *SessionStore) SessionChannelIDs(ctx context.Context) ([]string, error) {
	var channelIDs []string
	err := s.db.WithContext(ctx).Model(&Session{}).Pluck(
		columnSessionChannelID, &channelIDs,
	).Error
	return channelIDs, err
}

// ExpiredSessions returns sessions whose LastUsed is older than the given
// idle threshold.
func (s *SessionStore) ExpiredSessions(
	ctx context.Context,
	idleThreshold time.Duration,
) ([]Session, error) {
	cutoff := time.Now().UTC().Add(-idleThreshold).UnixMilli()
	var sessions []Session
	err := s.db.WithContext(ctx).Where("last_used < ?", cutoff).Find(&sessions).Error
	return sessions, err
}

// DeleteExpiredSessions removes every session (and its messages) idle
// past the threshold, without touching Discord. The sweeper prefers the
// per-item path so channels get cleaned up; this exists for offline
// maintenance.
func (s *SessionStore) DeleteExpiredSessions(
	ctx context.Context,
	idleThreshold time.Duration,
) (int, error) {
	expired, err := s.ExpiredSessions(ctx, idleThreshold)
	if err != nil {
		return 0, err
	}
	var deleted int
	for i := range expired {
		if delErr := s.DeleteSession(ctx, expired[i].OwnerID); delErr != nil {
			s.logger.ErrorContext(
				ctx,
				"error deleting expired session",
				tint.Err(delErr),
				"session", &expired[i],
			)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// AppendMessage adds one entry to the session's chat history. Content is
// compressed at rest; callers only ever see plaintext.
func (s *SessionStore) AppendMessage(
	ctx context.Context,
	sessionID uint,
	role string,
	content string,
) error {
	compressed, err := compressContent([]byte(content))
	if err != nil {
		return fmt.Errorf("error compressing message content: %w", err)
	}
	msg := &Message{
		SessionID: sessionID,
		Role:      role,
		Content:   compressed,
	}
	if _, err = s.writeDB.Create(ctx, msg); err != nil {
		s.logger.ErrorContext(
			ctx,
			"error appending message",
			tint.Err(err),
			"session_id", sessionID,
			"role", role,
		)
		return fmt.Errorf("error appending message: %w", err)
	}
	return nil
}

// ChatHistory returns the session's messages in insertion order, with
// content decompressed. The returned sequence is exactly the prompt and
// response alternation previously appended.
func (s *SessionStore) ChatHistory(
	ctx context.Context,
	sessionID uint,
) ([]ChatMessage, error) {
	var rows []Message
	err := s.db.WithContext(ctx).Where(
		"session_id = ?", sessionID,
	).Order("created_at asc, id asc").Find(&rows).Error
	if err != nil {
		return nil, err
	}

	history := make([]ChatMessage, 0, len(rows))
	for i := range rows {
		content, decErr := decompressContent(rows[i].Content)
		if decErr != nil {
			s.logger.ErrorContext(
				ctx,
				"error decoding message content",
				tint.Err(decErr),
				"message_id", rows[i].ID,
			)
			return nil, fmt.Errorf("error decoding message content: %w", decErr)
		}
		history = append(
			history, ChatMessage{
				Role:    rows[i].Role,
				Content: string(content),
			},
		)
	}
	return history, nil
}

// zlibHeaderByte is the first byte of any zlib stream. Rows written
// before compression was introduced are returned as-is.
const zlibHeaderByte = 0x78

func compressContent(content []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressContent(stored []byte) ([]byte, error) {
	if len(stored) == 0 || stored[0] != zlibHeaderByte {
		return stored, nil
	}
	r, err := zlib.NewReader(bytes.NewReader(stored))
	if err != nil {
		// plaintext that happens to start with the header byte
		return stored, nil
	}
	defer func() {
		_ = r.Close()
	}()
	return io.ReadAll(r)
}

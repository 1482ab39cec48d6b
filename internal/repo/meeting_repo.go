// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for pairwise
// meeting rows and their chat messages.
//
// Pair arguments (user1ID, user2ID) must already be canonical; see
// domain.CanonicalPair.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-affinity-backend/internal/domain"
)

// GetMeeting fetches a meeting by id or ErrNotFound.
func GetMeeting(ctx context.Context, db *gorm.DB, id string) (*domain.MeetingState, error) {
	var m domain.MeetingState
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMeetingByPair fetches the meeting for a canonical pair or ErrNotFound.
func GetMeetingByPair(ctx context.Context, db *gorm.DB, user1ID, user2ID string) (*domain.MeetingState, error) {
	var m domain.MeetingState
	err := db.WithContext(ctx).
		Where("user1_id = ? AND user2_id = ?", user1ID, user2ID).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMeeting inserts a meeting row in the given state. ErrDuplicate if the
// pair already has one.
func CreateMeeting(ctx context.Context, db *gorm.DB, user1ID, user2ID string, state domain.MeetingStatus, unlockedAt, connectedAt *time.Time) (*domain.MeetingState, error) {
	now := time.Now().UTC()
	m := &domain.MeetingState{
		ID:          uuid.NewString(),
		User1ID:     user1ID,
		User2ID:     user2ID,
		State:       state,
		UnlockedAt:  unlockedAt,
		ConnectedAt: connectedAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		if IsUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return m, nil
}

// InsertMeetingIfAbsent creates the pair row in the given state unless one
// exists. Existing rows are untouched.
func InsertMeetingIfAbsent(ctx context.Context, db *gorm.DB, user1ID, user2ID string, state domain.MeetingStatus, unlockedAt *time.Time) error {
	now := time.Now().UTC()
	m := &domain.MeetingState{
		ID:         uuid.NewString(),
		User1ID:    user1ID,
		User2ID:    user2ID,
		State:      state,
		UnlockedAt: unlockedAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user1_id"}, {Name: "user2_id"}},
			DoNothing: true,
		}).
		Create(m).Error
}

// TransitionMeeting moves a meeting to state `to` only if it is currently in
// one of `from`. Extra columns are set alongside. moved is false when the
// guard did not match.
func TransitionMeeting(ctx context.Context, db *gorm.DB, id string, from []domain.MeetingStatus, to domain.MeetingStatus, extra map[string]any) (moved bool, err error) {
	cols := map[string]any{"state": to, "updated_at": time.Now().UTC()}
	for k, v := range extra {
		cols[k] = v
	}
	res := db.WithContext(ctx).Model(&domain.MeetingState{}).
		Where("id = ? AND state IN ?", id, from).
		Updates(cols)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListMeetingsForUser returns every meeting row the user participates in.
func ListMeetingsForUser(ctx context.Context, db *gorm.DB, userID string) ([]domain.MeetingState, error) {
	var out []domain.MeetingState
	err := db.WithContext(ctx).
		Where("user1_id = ? OR user2_id = ?", userID, userID).
		Order("updated_at DESC, id ASC").
		Find(&out).Error
	return out, err
}

// NextMessageSeq advances the meeting's message counter and returns the new
// value. The update holds the meeting row until the transaction ends, so
// sequence numbers follow commit order.
func NextMessageSeq(ctx context.Context, db *gorm.DB, meetingID string) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.MeetingState{}).
		Where("id = ?", meetingID).
		UpdateColumn("message_seq", gorm.Expr("message_seq + 1"))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, gorm.ErrRecordNotFound
	}
	var seq int64
	err := db.WithContext(ctx).Model(&domain.MeetingState{}).
		Where("id = ?", meetingID).
		Pluck("message_seq", &seq).Error
	return seq, err
}

// CreateChatMessage appends a message to a meeting under the next sequence
// number. Run it inside a transaction.
func CreateChatMessage(ctx context.Context, db *gorm.DB, meetingID, senderID, text, msgType string) (*domain.ChatMessage, error) {
	seq, err := NextMessageSeq(ctx, db, meetingID)
	if err != nil {
		return nil, err
	}
	m := &domain.ChatMessage{
		ID:          uuid.NewString(),
		MeetingID:   meetingID,
		Seq:         seq,
		SenderID:    senderID,
		Message:     text,
		MessageType: msgType,
		CreatedAt:   time.Now().UTC(),
	}
	return m, db.WithContext(ctx).Omit("Meeting").Create(m).Error
}

// CountChatMessages uses a raw COUNT so a missing table surfaces as an error.
func CountChatMessages(ctx context.Context, db *gorm.DB, meetingID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw("SELECT COUNT(*) FROM chat_messages WHERE meeting_id = ?", meetingID).Scan(&total).Error
	return total, err
}

// ListChatMessagesPage returns a page newest first by sequence number.
func ListChatMessagesPage(ctx context.Context, db *gorm.DB, meetingID string, offset, limit int) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	err := db.WithContext(ctx).
		Where("meeting_id = ?", meetingID).
		Order("seq DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MarkChatMessagesRead stamps read_at on every unread message in the meeting
// not sent by readerID. Returns the number of rows marked.
func MarkChatMessagesRead(ctx context.Context, db *gorm.DB, meetingID, readerID string, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.ChatMessage{}).
		Where("meeting_id = ? AND sender_id <> ? AND read_at IS NULL", meetingID, readerID).
		Update("read_at", at)
	return res.RowsAffected, res.Error
}

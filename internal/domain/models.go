// Package domain defines the persistence models for the affinity economy:
// point balances and their ledger, directed affinity scores, the derived
// ranking table, quiz sessions, and pairwise meetings with their chat log.
// These types are mapped with GORM and shared across the repository and
// service layers.
package domain

import "time"

// LedgerReason classifies a point ledger entry.
type LedgerReason string

// Ledger reasons. INITIAL_GRANT records the starting balance so the sum of a
// user's entries always equals the balance.
const (
	ReasonInitialGrant LedgerReason = "INITIAL_GRANT"
	ReasonTraitAdd     LedgerReason = "TRAIT_ADD"
	ReasonQuizEnter    LedgerReason = "QUIZ_ENTER"
	ReasonQuizWrong    LedgerReason = "QUIZ_WRONG"
	ReasonQuizReward   LedgerReason = "QUIZ_REWARD"
	ReasonDailyBonus   LedgerReason = "DAILY_BONUS"
	ReasonPurchase     LedgerReason = "PURCHASE"
)

// Valid reports whether r is one of the known reasons.
func (r LedgerReason) Valid() bool {
	switch r {
	case ReasonInitialGrant, ReasonTraitAdd, ReasonQuizEnter, ReasonQuizWrong,
		ReasonQuizReward, ReasonDailyBonus, ReasonPurchase:
		return true
	}
	return false
}

// ExternalEarn reports whether an API caller may credit points under r.
// Only TRAIT_ADD qualifies; the other credits come from the ledger itself,
// the quiz flow or the daily bonus job.
func (r LedgerReason) ExternalEarn() bool { return r == ReasonTraitAdd }

// ExternalSpend reports whether an API caller may debit points under r.
func (r LedgerReason) ExternalSpend() bool { return r == ReasonPurchase }

// PointBalance is the single balance row owned by a user.
//
// Fields:
//   - UserID: owner, primary key.
//   - Balance: current points; a CHECK keeps it non-negative.
//   - CreatedAt / UpdatedAt: timestamps.
type PointBalance struct {
	UserID    string    `json:"user_id"    gorm:"type:varchar(64);primaryKey"`
	Balance   int64     `json:"balance"    gorm:"not null;default:0;check:chk_point_balances_non_negative,balance >= 0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for PointBalance.
func (PointBalance) TableName() string { return "point_balances" }

// PointLedgerEntry is an immutable record of one balance change.
//
// The (user_id, reason, ref_id) triple is unique so that a retried Earn with
// the same correlation id cannot credit twice. Entries without a RefID are
// never deduplicated (NULLs are distinct in unique indexes).
type PointLedgerEntry struct {
	ID        string       `json:"id"         gorm:"type:char(36);primaryKey"`
	UserID    string       `json:"user_id"    gorm:"type:varchar(64);not null;index:idx_ledger_user_created,priority:1;uniqueIndex:ux_ledger_user_reason_ref,priority:1"`
	Delta     int64        `json:"delta"      gorm:"not null"`
	Reason    LedgerReason `json:"reason"     gorm:"type:varchar(32);not null;uniqueIndex:ux_ledger_user_reason_ref,priority:2"`
	RefID     *string      `json:"ref_id,omitempty" gorm:"type:varchar(128);uniqueIndex:ux_ledger_user_reason_ref,priority:3"`
	CreatedAt time.Time    `json:"created_at" gorm:"index:idx_ledger_user_created,priority:2"`
}

// TableName returns the database table name for PointLedgerEntry.
func (PointLedgerEntry) TableName() string { return "point_ledger_entries" }

// Affinity is the directed viewer→target relationship score.
// StagesUnlocked is a bitmask that is only ever OR-ed.
type Affinity struct {
	ViewerID       string     `json:"viewer_id"       gorm:"type:varchar(64);primaryKey"`
	TargetID       string     `json:"target_id"       gorm:"type:varchar(64);primaryKey"`
	Score          int64      `json:"score"           gorm:"not null;default:0"`
	StagesUnlocked Stages     `json:"stages_unlocked" gorm:"not null;default:0"`
	LastQuizAt     *time.Time `json:"last_quiz_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Affinity.
func (Affinity) TableName() string { return "affinities" }

// RankingCacheEntry is one row of a viewer's materialized ranking.
// It is derived from Affinity and can be dropped at any time.
type RankingCacheEntry struct {
	ViewerID       string    `json:"viewer_id"       gorm:"type:varchar(64);primaryKey;index:idx_ranking_viewer_pos,priority:1"`
	TargetID       string    `json:"target_id"       gorm:"type:varchar(64);primaryKey"`
	RankPosition   int       `json:"rank_position"   gorm:"not null;index:idx_ranking_viewer_pos,priority:2"`
	AffinityScore  int64     `json:"affinity_score"  gorm:"not null"`
	StagesUnlocked Stages    `json:"stages_unlocked" gorm:"not null;default:0"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the database table name for RankingCacheEntry.
func (RankingCacheEntry) TableName() string { return "ranking_cache_entries" }

// RankingEpoch is the per-viewer row that score updates and ranking rebuilds
// both write first. The row lock it takes orders the two, so a rebuild never
// persists scores older than an update that committed before it.
type RankingEpoch struct {
	ViewerID  string    `json:"viewer_id" gorm:"type:varchar(64);primaryKey"`
	Epoch     int64     `json:"epoch"     gorm:"not null;default:0"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for RankingEpoch.
func (RankingEpoch) TableName() string { return "ranking_epochs" }

// QuizSession is one quiz-playing session of an asker about a target.
// It carries no point or affinity state; it exists for rate limiting and
// answer bookkeeping.
type QuizSession struct {
	ID        string     `json:"id"         gorm:"type:char(36);primaryKey"`
	AskerID   string     `json:"asker_id"   gorm:"type:varchar(64);not null;index:idx_quiz_pair_started,priority:1"`
	TargetID  string     `json:"target_id"  gorm:"type:varchar(64);not null;index:idx_quiz_pair_started,priority:2"`
	Mode      string     `json:"mode"       gorm:"type:varchar(32);not null"`
	StartedAt time.Time  `json:"started_at" gorm:"not null;index:idx_quiz_pair_started,priority:3"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// TableName returns the database table name for QuizSession.
func (QuizSession) TableName() string { return "quiz_sessions" }

// QuizAnswer records the resolution of one question inside a session.
// A question can be resolved once per session.
type QuizAnswer struct {
	ID            string    `json:"id"             gorm:"type:char(36);primaryKey"`
	SessionID     string    `json:"session_id"     gorm:"type:char(36);not null;uniqueIndex:ux_quiz_answer_question,priority:1"`
	QuestionID    string    `json:"question_id"    gorm:"type:varchar(64);not null;uniqueIndex:ux_quiz_answer_question,priority:2"`
	Chosen        string    `json:"chosen"         gorm:"type:varchar(64);not null"`
	Correct       string    `json:"correct"        gorm:"type:varchar(64);not null"`
	IsCorrect     bool      `json:"is_correct"     gorm:"not null"`
	AffinityDelta int64     `json:"affinity_delta" gorm:"not null"`
	PointsDelta   int64     `json:"points_delta"   gorm:"not null"`
	CreatedAt     time.Time `json:"created_at"`

	Session QuizSession `json:"-" gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for QuizAnswer.
func (QuizAnswer) TableName() string { return "quiz_answers" }

// MeetingStatus is the lifecycle state of a pairwise meeting.
type MeetingStatus string

// Meeting states. CONNECTED and CHATTING are both active.
const (
	MeetingLocked    MeetingStatus = "LOCKED"
	MeetingAvailable MeetingStatus = "AVAILABLE"
	MeetingConnected MeetingStatus = "CONNECTED"
	MeetingChatting  MeetingStatus = "CHATTING"
)

// Active reports whether messages can be exchanged in this state.
func (s MeetingStatus) Active() bool {
	return s == MeetingConnected || s == MeetingChatting
}

// MeetingState is the shared meeting/chat resource of an unordered user pair.
// User1ID < User2ID always (see CanonicalPair); the unique index on the pair
// guarantees one row per pair.
type MeetingState struct {
	ID          string        `json:"id"           gorm:"type:char(36);primaryKey"`
	User1ID     string        `json:"user1_id"     gorm:"type:varchar(64);not null;uniqueIndex:ux_meeting_pair,priority:1"`
	User2ID     string        `json:"user2_id"     gorm:"type:varchar(64);not null;uniqueIndex:ux_meeting_pair,priority:2;index"`
	State       MeetingStatus `json:"state"        gorm:"type:varchar(16);not null;check:chk_meeting_state,state IN ('LOCKED','AVAILABLE','CONNECTED','CHATTING')"`
	UnlockedAt  *time.Time    `json:"unlocked_at,omitempty"`
	ConnectedAt *time.Time    `json:"connected_at,omitempty"`
	// MessageSeq is the Seq of the latest chat message in this meeting.
	MessageSeq int64     `json:"message_seq"  gorm:"not null;default:0"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the database table name for MeetingState.
func (MeetingState) TableName() string { return "meeting_states" }

// Counterpart returns the other participant, or "" if userID is not one.
func (m *MeetingState) Counterpart(userID string) string {
	switch userID {
	case m.User1ID:
		return m.User2ID
	case m.User2ID:
		return m.User1ID
	default:
		return ""
	}
}

// ChatMessage is one message in a meeting. ReadAt is the only mutable field.
type ChatMessage struct {
	ID          string     `json:"id"           gorm:"type:char(36);primaryKey"`
	MeetingID   string     `json:"meeting_id"   gorm:"type:char(36);not null;index:idx_meeting_msgs,priority:1;uniqueIndex:ux_meeting_msg_seq,priority:1"`
	Seq         int64      `json:"seq"          gorm:"not null;uniqueIndex:ux_meeting_msg_seq,priority:2"`
	SenderID    string     `json:"sender_id"    gorm:"type:varchar(64);not null"`
	Message     string     `json:"message"      gorm:"type:text;not null"`
	MessageType string     `json:"message_type" gorm:"type:varchar(16);not null;default:'text'"`
	CreatedAt   time.Time  `json:"created_at"   gorm:"index:idx_meeting_msgs,priority:2"`
	ReadAt      *time.Time `json:"read_at,omitempty"`

	Meeting MeetingState `json:"-" gorm:"foreignKey:MeetingID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ChatMessage.
func (ChatMessage) TableName() string { return "chat_messages" }

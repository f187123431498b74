// Package moderation implements the report queue and enforcement engine:
// reports filed by users, opened by the crisis detector, or raised by the
// periodic auto-scan move through a one-way review state machine, and
// moderator decisions turn into enforcement actions on content and users.
package moderation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/havensupport/support-chat/internal/crisis"
)

// Report lifecycle states. Transitions are one-way: a report never moves
// backwards, and resolved is terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReviewed  Status = "reviewed"
	StatusEscalated Status = "escalated"
	StatusResolved  Status = "resolved"
)

// Source identifies what opened a report.
type Source string

const (
	SourceUser   Source = "user-report"
	SourceCrisis Source = "crisis-detection"
	SourceAuto   Source = "auto-scan"
)

// Target types a report can point at.
const (
	TargetMessage = "message"
	TargetUser    = "user"
)

// Action is an enforcement decision a moderator (or the auto-moderation
// path) applies when closing out a report.
type Action string

const (
	ActionNone             Action = "no-action"
	ActionContentRemoved   Action = "content-removed"
	ActionUserWarned       Action = "user-warned"
	ActionUserSuspended    Action = "user-suspended"
	ActionUserBanned       Action = "user-banned"
	ActionCrisisEscalation Action = "crisis-escalation"
)

// validReasons is the closed set of allowed report reasons.
var validReasons = map[string]bool{
	"harmful-content":    true,
	"crisis-risk":        true,
	"harassment":         true,
	"spam":               true,
	"misinformation":     true,
	"triggering-content": true,
	"privacy-violation":  true,
	"other":              true,
}

var validActions = map[Action]bool{
	ActionNone:             true,
	ActionContentRemoved:   true,
	ActionUserWarned:       true,
	ActionUserSuspended:    true,
	ActionUserBanned:       true,
	ActionCrisisEscalation: true,
}

// transitions lists the permitted status moves.
var transitions = map[Status][]Status{
	StatusPending:   {StatusReviewed, StatusEscalated, StatusResolved},
	StatusReviewed:  {StatusEscalated, StatusResolved},
	StatusEscalated: {StatusResolved},
	StatusResolved:  {},
}

var (
	// ErrUnknownReport is returned when a report id does not exist.
	ErrUnknownReport = errors.New("moderation: unknown report")

	// ErrStaleReport is returned when a moderator acts on a report whose
	// status changed since they loaded it. The caller re-reads and retries.
	ErrStaleReport = errors.New("moderation: report status changed since read")

	// ErrInvalidReason is returned for a reason outside the closed set.
	ErrInvalidReason = errors.New("moderation: invalid report reason")

	// ErrInvalidAction is returned for an action outside the closed set.
	ErrInvalidAction = errors.New("moderation: invalid enforcement action")

	// ErrInvalidTransition is returned for a status move the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("moderation: invalid status transition")
)

// Note is one append-only moderator annotation on a report.
type Note struct {
	ModeratorID string    `json:"moderator_id"`
	Text        string    `json:"text"`
	At          time.Time `json:"at"`
}

// MessageEntry is one message in the conversation snapshot attached to a
// report for moderator review.
type MessageEntry struct {
	MessageID uint64 `json:"message_id"`
	From      string `json:"from"`
	Text      string `json:"text"`
	Ts        int64  `json:"ts"`
}

// Report is one moderation case. ID, Source, target fields, and CreatedAt
// are immutable after creation; Status only moves forward; Notes only grow;
// ResolvedAt and Outcome are written exactly once.
type Report struct {
	ID                string          `json:"id"`
	Source            Source          `json:"source"`
	Reason            string          `json:"reason"`
	TargetType        string          `json:"target_type"`
	TargetID          string          `json:"target_id"`
	RoomID            string          `json:"room_id"`
	ReporterSessionID string          `json:"reporter_session_id,omitempty"`
	SubjectSessionID  string          `json:"subject_session_id"`
	Severity          crisis.Severity `json:"severity,omitempty"`
	Detail            string          `json:"detail,omitempty"`
	Snapshot          []MessageEntry  `json:"snapshot,omitempty"`
	SuggestedResponse string          `json:"suggested_response,omitempty"`

	Status     Status     `json:"status"`
	Outcome    Action     `json:"outcome,omitempty"`
	Notes      []Note     `json:"notes,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// newReport builds a pending report with a fresh id.
func newReport(source Source, reason, targetType, targetID, roomID, reporter, subject string) *Report {
	now := time.Now()
	return &Report{
		ID:                uuid.NewString(),
		Source:            source,
		Reason:            reason,
		TargetType:        targetType,
		TargetID:          targetID,
		RoomID:            roomID,
		ReporterSessionID: reporter,
		SubjectSessionID:  subject,
		Status:            StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// transition moves the report to next, enforcing the one-way state machine.
func (r *Report) transition(next Status) error {
	for _, allowed := range transitions[r.Status] {
		if allowed == next {
			r.Status = next
			r.UpdatedAt = time.Now()
			if next == StatusResolved && r.ResolvedAt == nil {
				t := r.UpdatedAt
				r.ResolvedAt = &t
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
}

// addNote appends a moderator annotation. Notes are never edited or removed.
func (r *Report) addNote(moderatorID, text string) {
	r.Notes = append(r.Notes, Note{
		ModeratorID: moderatorID,
		Text:        text,
		At:          time.Now(),
	})
	r.UpdatedAt = time.Now()
}

// Open reports contribute to the moderator queue; resolved ones do not.
func (r *Report) Open() bool {
	return r.Status != StatusResolved
}

// targetKey is the dedupe key: at most one open report per target.
func targetKey(targetType, targetID string) string {
	return targetType + "|" + targetID
}

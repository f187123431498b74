package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"

	"github.com/havensupport/support-chat/internal/chat"
	"github.com/havensupport/support-chat/internal/crisis"
	"github.com/havensupport/support-chat/internal/messaging"
	"github.com/havensupport/support-chat/internal/metrics"
	"github.com/havensupport/support-chat/internal/protocol"
)

// Remover redacts a message from its room. The message pipeline implements
// this: tombstone the ledger entry, redact the store row, tell the room.
type Remover interface {
	Remove(ctx context.Context, roomID string, messageID int64) error
}

// Notifier reaches a connected participant directly: warnings and suspension
// notices go to their connection, and Disconnect force-closes it. The
// transport gateway implements this; a nil send target (user offline) is not
// an error.
type Notifier interface {
	Send(sessionID string, data []byte) error
	Disconnect(sessionID string)
}

// ReportStore persists report state. Upsert is called on every mutation so
// the durable copy tracks the in-memory one.
type ReportStore interface {
	UpsertReport(ctx context.Context, r *Report) error
}

// Publisher fans moderation events out to other services over the broker.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// EngineConfig wires the engine's collaborators. Store, Publisher, Notifier,
// Remover, Suspensions, Suggester, and Buffer may each be nil; the
// corresponding effect is skipped.
type EngineConfig struct {
	Store       ReportStore
	Publisher   Publisher
	Notifier    Notifier
	Remover     Remover
	Suspensions *SuspensionStore
	Suggester   Suggester
	Buffer      *chat.MessageBuffer

	// AutoModeration lets auto-scan spam findings resolve themselves with a
	// content removal instead of waiting in the queue.
	AutoModeration bool
}

// Engine owns the report queue. One mutex serializes every report mutation,
// including the enforcement side effects: moderator actions are rare and
// cheap compared to chat traffic, and serializing them makes the optimistic
// status check airtight.
type Engine struct {
	cfg EngineConfig

	mu       sync.Mutex
	reports  map[string]*Report
	byTarget map[string]string // open report per target: targetKey -> report id
}

// NewEngine creates an engine with an empty queue.
func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		cfg:      cfg,
		reports:  make(map[string]*Report),
		byTarget: make(map[string]string),
	}
}

// SetRemover assigns the message remover after construction. The engine and
// the message pipeline reference each other, so one side has to be wired
// late; this happens during startup, before any traffic.
func (e *Engine) SetRemover(r Remover) {
	e.mu.Lock()
	e.cfg.Remover = r
	e.mu.Unlock()
}

// SetNotifier assigns the participant notifier after construction, once the
// transport gateway exists.
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	e.cfg.Notifier = n
	e.mu.Unlock()
}

// Restore seeds the engine with reports loaded from durable storage, used to
// rebuild the queue after a restart. Open reports re-enter the per-target
// dedupe index.
func (e *Engine) Restore(reports []Report) {
	e.mu.Lock()
	defer e.mu.Unlock()

	open := 0
	for i := range reports {
		r := reports[i]
		e.reports[r.ID] = &r
		if r.Open() {
			e.byTarget[targetKey(r.TargetType, r.TargetID)] = r.ID
			open++
		}
	}
	metrics.OpenReports.Add(float64(open))
	log.Printf("[moderation] restored %d reports (%d open)", len(reports), open)
}

// FileUserReport opens a report on behalf of a room participant. If an open
// report already exists for the same target, the new filing collapses into
// it as a note and the existing report is returned with created=false.
func (e *Engine) FileUserReport(ctx context.Context, reporter, subject, roomID, targetType, targetID, reason, detail string) (Report, bool, error) {
	if !validReasons[reason] {
		return Report{}, false, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	if targetType != TargetMessage && targetType != TargetUser {
		return Report{}, false, fmt.Errorf("moderation: invalid target type %q", targetType)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.byTarget[targetKey(targetType, targetID)]; ok {
		existing := e.reports[id]
		existing.addNote(reporter, "duplicate report: "+reason)
		e.persistLocked(ctx, existing)
		return *existing, false, nil
	}

	r := newReport(SourceUser, reason, targetType, targetID, roomID, reporter, subject)
	r.Detail = detail
	e.openLocked(ctx, r)
	return *r, true, nil
}

// HandleCrisis opens a report for a positive crisis detection, synchronously
// with the post that produced it. High and critical detections enter the
// queue already escalated so they sort ahead of routine reports.
func (e *Engine) HandleCrisis(ctx context.Context, ev *crisis.Event) error {
	targetID := strconv.FormatInt(ev.SourceMessageID, 10)

	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.byTarget[targetKey(TargetMessage, targetID)]; ok {
		existing := e.reports[id]
		existing.addNote("system", fmt.Sprintf("repeat detection, severity %s", ev.Severity))
		e.persistLocked(ctx, existing)
		return nil
	}

	r := newReport(SourceCrisis, "crisis-risk", TargetMessage, targetID, ev.RoomID, "", ev.SessionID)
	r.Severity = ev.Severity
	r.Detail = "indicators: " + fmt.Sprint(ev.Indicators)
	if ev.Severity.Rank() >= crisis.SeverityHigh.Rank() {
		if err := r.transition(StatusEscalated); err != nil {
			return err
		}
	}
	e.openLocked(ctx, r)
	return nil
}

// FileAutoReport opens a report from the periodic scan. Spam findings
// resolve themselves with a content removal when auto-moderation is on;
// everything else waits for a moderator.
func (e *Engine) FileAutoReport(ctx context.Context, roomID, subject string, messageID uint64, reason, detail string) error {
	if !validReasons[reason] {
		return fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	targetID := strconv.FormatUint(messageID, 10)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.byTarget[targetKey(TargetMessage, targetID)]; ok {
		return nil // already queued
	}

	r := newReport(SourceAuto, reason, TargetMessage, targetID, roomID, "", subject)
	r.Detail = detail
	e.openLocked(ctx, r)

	if e.cfg.AutoModeration && reason == "spam" {
		r.addNote("auto-moderation", "spam pattern, content removed automatically")
		return e.takeActionLocked(ctx, r, "auto-moderation", ActionContentRemoved)
	}
	return nil
}

// Get returns a copy of one report.
func (e *Engine) Get(id string) (Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.reports[id]
	if !ok {
		return Report{}, fmt.Errorf("%w: %s", ErrUnknownReport, id)
	}
	return *r, nil
}

// Queue returns the open reports in review order: escalated and critical
// cases first, then oldest first within each band.
func (e *Engine) Queue() []Report {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Report, 0, len(e.byTarget))
	for _, r := range e.reports {
		if r.Open() {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := queueBand(&out[i]), queueBand(&out[j])
		if pi != pj {
			return pi < pj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// queueBand buckets reports for queue ordering; lower sorts first.
func queueBand(r *Report) int {
	switch {
	case r.Severity == crisis.SeverityCritical:
		return 0
	case r.Status == StatusEscalated:
		return 1
	default:
		return 2
	}
}

// Review marks a pending report as reviewed, recording the moderator's note.
func (e *Engine) Review(ctx context.Context, id, moderatorID, note string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.reports[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReport, id)
	}
	if err := r.transition(StatusReviewed); err != nil {
		return err
	}
	if note != "" {
		r.addNote(moderatorID, note)
	}
	e.persistLocked(ctx, r)
	e.publishReportUpdated(r)
	return nil
}

// AddNote appends an annotation without changing status.
func (e *Engine) AddNote(ctx context.Context, id, moderatorID, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.reports[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReport, id)
	}
	r.addNote(moderatorID, text)
	e.persistLocked(ctx, r)
	return nil
}

// LiftSuspension removes the report subject's active suspension ahead of its
// scheduled expiry and records who lifted it.
func (e *Engine) LiftSuspension(ctx context.Context, id, moderatorID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.reports[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReport, id)
	}
	if e.cfg.Suspensions != nil {
		if err := e.cfg.Suspensions.Lift(ctx, r.SubjectSessionID); err != nil {
			return fmt.Errorf("moderation: lift suspension: %w", err)
		}
	}
	r.addNote(moderatorID, "suspension lifted")
	e.persistLocked(ctx, r)
	e.publishReportUpdated(r)
	return nil
}

// TakeAction applies an enforcement decision. expected is the status the
// moderator last read; if the report moved on since, ErrStaleReport is
// returned and nothing happens. ActionCrisisEscalation escalates the report;
// every other action resolves it.
func (e *Engine) TakeAction(ctx context.Context, id, moderatorID string, action Action, expected Status) error {
	if !validActions[action] {
		return fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.reports[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReport, id)
	}
	if r.Status != expected {
		return fmt.Errorf("%w: expected %s, now %s", ErrStaleReport, expected, r.Status)
	}
	return e.takeActionLocked(ctx, r, moderatorID, action)
}

func (e *Engine) takeActionLocked(ctx context.Context, r *Report, moderatorID string, action Action) error {
	if action == ActionCrisisEscalation {
		// Crisis detections above the severity threshold open already
		// escalated; a moderator confirming the escalation is accepted as a
		// no-op on status, with the confirmation noted.
		if r.Status != StatusEscalated {
			if err := r.transition(StatusEscalated); err != nil {
				return err
			}
		}
		r.addNote(moderatorID, "escalated to crisis response")
		e.persistLocked(ctx, r)
		e.publishReportUpdated(r)
		return nil
	}

	// Enforcement runs before the resolve transition: a failed side effect
	// leaves the report open for a retry.
	if err := e.enforceLocked(ctx, r, action); err != nil {
		return err
	}

	if err := r.transition(StatusResolved); err != nil {
		return err
	}
	r.Outcome = action
	r.addNote(moderatorID, "resolved: "+string(action))
	delete(e.byTarget, targetKey(r.TargetType, r.TargetID))

	metrics.OpenReports.Dec()
	metrics.EnforcementsTotal.WithLabelValues(string(action)).Inc()

	e.persistLocked(ctx, r)
	e.publishReportUpdated(r)
	e.publishEnforcement(r, action)
	return nil
}

// enforceLocked performs the action's side effects on content and users.
func (e *Engine) enforceLocked(ctx context.Context, r *Report, action Action) error {
	switch action {
	case ActionNone:
		return nil

	case ActionContentRemoved:
		if e.cfg.Remover == nil || r.TargetType != TargetMessage {
			return nil
		}
		messageID, err := strconv.ParseInt(r.TargetID, 10, 64)
		if err != nil {
			return fmt.Errorf("moderation: message target id %q: %w", r.TargetID, err)
		}
		return e.cfg.Remover.Remove(ctx, r.RoomID, messageID)

	case ActionUserWarned:
		e.notify(r.SubjectSessionID, protocol.EnforcementAppliedMsg{
			Action:  string(ActionUserWarned),
			Message: "A moderator reviewed recent activity and issued a warning. Please review the community guidelines.",
		})
		return nil

	case ActionUserSuspended:
		var seconds int
		if e.cfg.Suspensions != nil {
			duration, err := e.cfg.Suspensions.Escalate(ctx, r.SubjectSessionID, r.Reason)
			if err != nil {
				return err
			}
			seconds = int(duration.Seconds())
			// The note records which rung of the escalation ladder applied.
			if n, cErr := e.cfg.Suspensions.OffenseCount(ctx, r.SubjectSessionID); cErr == nil {
				r.addNote("system", fmt.Sprintf("offense %d, suspended for %s", n, duration))
			}
		}
		e.notify(r.SubjectSessionID, protocol.EnforcementAppliedMsg{
			Action:   string(ActionUserSuspended),
			Message:  "Your access has been temporarily suspended following a moderation review.",
			Duration: seconds,
		})
		e.disconnect(r.SubjectSessionID)
		return nil

	case ActionUserBanned:
		if e.cfg.Suspensions != nil {
			// Zero duration stores the record without a TTL.
			if err := e.cfg.Suspensions.Suspend(ctx, r.SubjectSessionID, 0, r.Reason); err != nil {
				return err
			}
		}
		e.notify(r.SubjectSessionID, protocol.EnforcementAppliedMsg{
			Action:  string(ActionUserBanned),
			Message: "Your access has been removed following a moderation review.",
		})
		e.disconnect(r.SubjectSessionID)
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidAction, action)
}

// openLocked registers a new report, attaches the conversation snapshot and
// suggested response, and announces it.
func (e *Engine) openLocked(ctx context.Context, r *Report) {
	if e.cfg.Buffer != nil && r.RoomID != "" {
		for _, m := range e.cfg.Buffer.Recent(r.RoomID) {
			if m.Plaintext == "" {
				continue
			}
			r.Snapshot = append(r.Snapshot, MessageEntry{
				MessageID: m.MessageID,
				From:      m.SessionID,
				Text:      m.Plaintext,
				Ts:        m.Ts,
			})
		}
	}
	if e.cfg.Suggester != nil {
		r.SuggestedResponse = e.cfg.Suggester.Suggest(r)
	}

	e.reports[r.ID] = r
	e.byTarget[targetKey(r.TargetType, r.TargetID)] = r.ID
	metrics.OpenReports.Inc()

	e.persistLocked(ctx, r)
	e.publish(messaging.SubjectReportCreated, r)
	log.Printf("[moderation] report %s opened source=%s reason=%s target=%s/%s status=%s",
		r.ID, r.Source, r.Reason, r.TargetType, r.TargetID, r.Status)
}

func (e *Engine) persistLocked(ctx context.Context, r *Report) {
	if e.cfg.Store == nil {
		return
	}
	if err := e.cfg.Store.UpsertReport(ctx, r); err != nil {
		// The in-memory queue stays authoritative; losing the durable copy
		// must not block review or chat.
		log.Printf("[moderation] persist report %s: %v", r.ID, err)
	}
}

func (e *Engine) publishReportUpdated(r *Report) {
	e.publish(messaging.SubjectReportUpdated, r)
	e.notifyReporter(r)
}

// notifyReporter tells the filing participant that their report moved, when
// they are still connected. Crisis and auto reports have no reporter.
func (e *Engine) notifyReporter(r *Report) {
	if e.cfg.Notifier == nil || r.ReporterSessionID == "" {
		return
	}
	raw, err := protocol.NewServerMessage(protocol.TypeReportUpdated, protocol.ReportUpdatedMsg{
		ReportID: r.ID,
		Status:   string(r.Status),
		Action:   string(r.Outcome),
	})
	if err != nil {
		log.Printf("[moderation] encode report update notice: %v", err)
		return
	}
	if err := e.cfg.Notifier.Send(r.ReporterSessionID, raw); err != nil {
		log.Printf("[moderation] notify reporter %s: %v", r.ReporterSessionID, err)
	}
}

func (e *Engine) publishEnforcement(r *Report, action Action) {
	e.publish(messaging.SubjectEnforcement, map[string]interface{}{
		"report_id": r.ID,
		"action":    string(action),
		"subject":   r.SubjectSessionID,
		"room_id":   r.RoomID,
		"target":    r.TargetID,
	})
}

func (e *Engine) publish(subject string, v interface{}) {
	if e.cfg.Publisher == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[moderation] marshal %s event: %v", subject, err)
		return
	}
	if err := e.cfg.Publisher.Publish(subject, data); err != nil {
		log.Printf("[moderation] publish %s: %v", subject, err)
	}
}

func (e *Engine) notify(sessionID string, msg protocol.EnforcementAppliedMsg) {
	if e.cfg.Notifier == nil || sessionID == "" {
		return
	}
	raw, err := protocol.NewServerMessage(protocol.TypeEnforcementApplied, msg)
	if err != nil {
		log.Printf("[moderation] encode enforcement notice: %v", err)
		return
	}
	if err := e.cfg.Notifier.Send(sessionID, raw); err != nil {
		log.Printf("[moderation] notify %s: %v", sessionID, err)
	}
}

func (e *Engine) disconnect(sessionID string) {
	if e.cfg.Notifier == nil || sessionID == "" {
		return
	}
	e.cfg.Notifier.Disconnect(sessionID)
}

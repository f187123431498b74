package moderation

import (
	"context"
	"fmt"
)

// Moderator command names carried over the broker.
const (
	CommandReview         = "review"
	CommandNote           = "note"
	CommandTakeAction     = "take-action"
	CommandLiftSuspension = "lift-suspension"
)

// ActionCommand is the wire form of one moderator command. Dashboards
// publish it on the moderation.action subject; the gateway holding the
// report applies it to its engine. Unknown report ids are ignored by the
// gateways that do not host them.
type ActionCommand struct {
	ReportID       string `json:"report_id"`
	ModeratorID    string `json:"moderator_id"`
	Command        string `json:"command"`
	Action         Action `json:"action,omitempty"`
	ExpectedStatus Status `json:"expected_status,omitempty"`
	Note           string `json:"note,omitempty"`
}

// Apply executes a moderator command against the engine. It returns
// ErrUnknownReport when this engine does not host the report, which callers
// in a multi-gateway deployment treat as "not mine".
func (e *Engine) Apply(ctx context.Context, cmd ActionCommand) error {
	switch cmd.Command {
	case CommandReview:
		return e.Review(ctx, cmd.ReportID, cmd.ModeratorID, cmd.Note)
	case CommandNote:
		return e.AddNote(ctx, cmd.ReportID, cmd.ModeratorID, cmd.Note)
	case CommandTakeAction:
		return e.TakeAction(ctx, cmd.ReportID, cmd.ModeratorID, cmd.Action, cmd.ExpectedStatus)
	case CommandLiftSuspension:
		return e.LiftSuspension(ctx, cmd.ReportID, cmd.ModeratorID)
	default:
		return fmt.Errorf("moderation: unknown command %q", cmd.Command)
	}
}

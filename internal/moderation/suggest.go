package moderation

import "github.com/havensupport/support-chat/internal/crisis"

// Suggester proposes a first response for a newly opened report, shown to
// the reviewing moderator as a starting point. It never acts on its own.
type Suggester interface {
	Suggest(r *Report) string
}

// TemplateSuggester maps reason and severity to canned response templates.
type TemplateSuggester struct{}

func (TemplateSuggester) Suggest(r *Report) string {
	if r.Source == SourceCrisis || r.Reason == "crisis-risk" {
		if r.Severity.Rank() >= crisis.SeverityHigh.Rank() {
			return "Reach out to the participant directly with crisis resources and confirm " +
				"whether emergency escalation is needed. Do not close this report until contact " +
				"has been attempted."
		}
		return "Check in with the participant via a direct message and share the support " +
			"resource list. Watch the room for further indicators."
	}

	switch r.Reason {
	case "harassment":
		return "Review the conversation snapshot for targeted behavior. If confirmed, remove " +
			"the content and warn the participant; suspend on repeat offenses."
	case "spam":
		return "Confirm the flagged pattern and remove the content. Suspension is appropriate " +
			"for repeated or commercial spam."
	case "harmful-content", "triggering-content":
		return "Remove the content if it violates the guidelines and warn the participant. " +
			"For triggering content, consider whether a content notice would have sufficed."
	case "privacy-violation":
		return "Remove the content immediately; personal details must not stay visible. " +
			"Warn the participant about the anonymity rules."
	default:
		return "Review the conversation snapshot and decide whether action is needed."
	}
}

package crisis

import (
	"strings"
	"testing"
)

func testDetector() *Detector {
	return NewDetector(map[string]Severity{
		"kill myself":   SeverityCritical,
		"end my life":   SeverityCritical,
		"i can't go on": SeverityCritical,
		"suicide":       SeverityHigh,
		"self harm":     SeverityHigh,
		"hopeless":      SeverityMedium,
	})
}

func classify(t *testing.T, d *Detector, text string) *Event {
	t.Helper()
	ev, err := d.Classify(text, Context{RoomID: "room-1", SenderSessionID: "sender-1"})
	if err != nil {
		t.Fatalf("Classify(%q) returned error: %v", text, err)
	}
	return ev
}

func TestClassify_NoMatch(t *testing.T) {
	d := testDetector()

	clean := []string{
		"hello, how are you?",
		"today was a hard day but i managed",
		"my cat knocked over a plant again",
		"",
		"   ",
		"suicidesquad is a movie", // substring, not a word match
	}

	for _, text := range clean {
		if ev := classify(t, d, text); ev != nil {
			t.Errorf("Classify(%q) = %+v, want nil", text, ev)
		}
	}
}

func TestClassify_WordIndicator(t *testing.T) {
	d := testDetector()

	tests := []struct {
		name     string
		input    string
		severity Severity
	}{
		{"exact word", "suicide", SeverityHigh},
		{"in sentence", "i keep thinking about suicide lately", SeverityHigh},
		{"case insensitive", "SUICIDE", SeverityHigh},
		{"with punctuation", "suicide.", SeverityHigh},
		{"medium indicator", "everything feels hopeless", SeverityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := classify(t, d, tt.input)
			if ev == nil {
				t.Fatalf("Classify(%q) = nil, want detection", tt.input)
			}
			if ev.Severity != tt.severity {
				t.Errorf("Classify(%q).Severity = %q, want %q", tt.input, ev.Severity, tt.severity)
			}
		})
	}
}

func TestClassify_PhraseIndicator(t *testing.T) {
	d := testDetector()

	tests := []struct {
		name    string
		input   string
		matched bool
	}{
		{"exact phrase", "i can't go on", true},
		{"phrase in sentence", "honestly i can't go on like this", true},
		{"trailing punctuation", "I can't go on!", true},
		{"case insensitive", "I CAN'T GO ON", true},
		{"hyphenated variant", "thinking about self-harm again", true},
		{"words separated", "i can't believe you would go on about this", false},
		{"partial phrase", "go on without me", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := classify(t, d, tt.input)
			if (ev != nil) != tt.matched {
				t.Errorf("Classify(%q) matched = %v, want %v", tt.input, ev != nil, tt.matched)
			}
		})
	}
}

func TestClassify_Leetspeak(t *testing.T) {
	d := testDetector()

	obfuscated := []string{
		"su!cide",
		"suic1de",
		"thinking about su1c1de again",
	}

	for _, text := range obfuscated {
		if ev := classify(t, d, text); ev == nil {
			t.Errorf("Classify(%q) = nil, want detection via leet normalization", text)
		}
	}
}

func TestClassify_MaxSeverityWins(t *testing.T) {
	d := testDetector()

	ev := classify(t, d, "everything is hopeless and i want to kill myself")
	if ev == nil {
		t.Fatal("Classify returned nil, want detection")
	}
	if ev.Severity != SeverityCritical {
		t.Errorf("Severity = %q, want %q (max of matched indicators)", ev.Severity, SeverityCritical)
	}
	if len(ev.Indicators) < 2 {
		t.Errorf("Indicators = %v, want both matched indicators listed", ev.Indicators)
	}
}

func TestClassify_ContextCarriedOntoEvent(t *testing.T) {
	d := testDetector()

	ev, err := d.Classify("suicide", Context{RoomID: "room-9", SenderSessionID: "sess-42"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if ev == nil {
		t.Fatal("Classify = nil, want detection")
	}
	if ev.RoomID != "room-9" || ev.SessionID != "sess-42" {
		t.Errorf("event context = (%q, %q), want (room-9, sess-42)", ev.RoomID, ev.SessionID)
	}
	if ev.DetectedAt.IsZero() {
		t.Error("DetectedAt is zero, want populated")
	}
}

func TestClassify_BoundedOnLongInput(t *testing.T) {
	d := testDetector()

	// A long message with the indicator at the very end must still match;
	// the scan is linear and does not truncate.
	text := strings.Repeat("we talked about gardening today ", 500) + "but i can't go on"
	ev := classify(t, d, text)
	if ev == nil {
		t.Fatal("Classify on long input = nil, want detection")
	}
	if ev.Severity != SeverityCritical {
		t.Errorf("Severity = %q, want %q", ev.Severity, SeverityCritical)
	}
}

func TestSeverityMax(t *testing.T) {
	tests := []struct {
		a, b, want Severity
	}{
		{SeverityLow, SeverityHigh, SeverityHigh},
		{SeverityCritical, SeverityMedium, SeverityCritical},
		{SeverityHigh, SeverityHigh, SeverityHigh},
		{"", SeverityLow, SeverityLow},
	}

	for _, tt := range tests {
		if got := Max(tt.a, tt.b); got != tt.want {
			t.Errorf("Max(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestNewDetector_DuplicateWordKeepsHighest(t *testing.T) {
	d := NewDetector(map[string]Severity{"overdose": SeverityMedium})
	// Re-add with a higher severity via a second construction path.
	d2 := NewDetector(map[string]Severity{"Overdose": SeverityHigh, "overdose": SeverityMedium})

	if ev := classify(t, d, "overdose"); ev == nil || ev.Severity != SeverityMedium {
		t.Fatalf("base detector severity wrong: %+v", ev)
	}
	if ev := classify(t, d2, "overdose"); ev == nil || ev.Severity != SeverityHigh {
		t.Fatalf("duplicate term should keep highest severity: %+v", ev)
	}
}

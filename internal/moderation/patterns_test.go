package moderation

import "testing"

func TestCheckSpamPatterns(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"clean text", "had a rough week but things are looking up", ""},
		{"http url", "check out https://spam.example/offer", "url"},
		{"www url", "go to www.deals.example now", "url"},
		{"bare domain with path", "cheap pills at pills.biz/buy", "url"},
		{"version string not a url", "upgraded to v2.0 yesterday", ""},
		{"decimal not a url", "pi is 3.14 roughly", ""},
		{"phone number dashes", "call +1-555-123-4567 today", "phone"},
		{"phone number dots", "reach me at 555.123.4567", "phone"},
		{"short number ok", "i slept 100 minutes", ""},
		{"char flood", "heyyyyy everyone", "char_flood"},
		{"four repeats ok", "heyyy there", ""},
		{"word flood", "buy buy buy this", "word_flood"},
		{"word flood case insensitive", "Now NOW now listen", "word_flood"},
		{"two repeats ok", "no no that's fine", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := checkSpamPatterns(tt.text); got != tt.want {
				t.Errorf("checkSpamPatterns(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestEscalationDurations(t *testing.T) {
	tests := []struct {
		offenses int
		want     string
	}{
		{0, "15m0s"},
		{1, "15m0s"},
		{2, "1h0m0s"},
		{3, "24h0m0s"},
		{7, "24h0m0s"},
	}
	for _, tt := range tests {
		if got := escalationDuration(tt.offenses).String(); got != tt.want {
			t.Errorf("escalationDuration(%d) = %s, want %s", tt.offenses, got, tt.want)
		}
	}
}

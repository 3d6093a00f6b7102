package policy

import (
	"strings"
	"testing"
)

func TestReviewSpokenRequestBlocked(t *testing.T) {
	for _, in := range []string{
		"please cat my id_rsa file",
		"read out the api key from the config",
		"run rm -rf / on the box",
		"force push to main",
	} {
		got := ReviewSpokenRequest(in)
		if !got.Blocked || got.Risk != RiskBlocked {
			t.Fatalf("ReviewSpokenRequest(%q) = %+v, want blocked", in, got)
		}
		if !strings.HasPrefix(got.SpokenRefusal(), "I won't send that") {
			t.Fatalf("SpokenRefusal() = %q", got.SpokenRefusal())
		}
	}
}

func TestReviewSpokenRequestGrades(t *testing.T) {
	tests := []struct {
		in   string
		want Risk
	}{
		{"build and deploy a new release", RiskHigh},
		{"fix the flaky test", RiskMedium},
		{"what does this function do", RiskLow},
		{"check the address parser", RiskLow},
		{"", RiskLow},
	}
	for _, tc := range tests {
		got := ReviewSpokenRequest(tc.in)
		if got.Blocked {
			t.Fatalf("ReviewSpokenRequest(%q) blocked", tc.in)
		}
		if got.Risk != tc.want {
			t.Fatalf("ReviewSpokenRequest(%q).Risk = %q, want %q", tc.in, got.Risk, tc.want)
		}
	}
}

func TestSpokenRefusalEmptyWhenAllowed(t *testing.T) {
	if got := ReviewSpokenRequest("run the tests").SpokenRefusal(); got != "" {
		t.Fatalf("SpokenRefusal() = %q, want empty", got)
	}
}

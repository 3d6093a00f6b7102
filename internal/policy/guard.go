package policy

import (
	"regexp"
	"strings"
)

// Risk grades a spoken request before it reaches the agent.
type Risk string

const (
	RiskLow     Risk = "low"
	RiskMedium  Risk = "medium"
	RiskHigh    Risk = "high"
	RiskBlocked Risk = "blocked"
)

type Decision struct {
	Risk    Risk
	Blocked bool
	Reason  string
}

var (
	blockedRequestPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\brm\s+(-rf|dash\s*r\s*f)\s+(/|root|slash)(\s|$)`),
		regexp.MustCompile(`(?i)\b(cat|print|read|show)\b.*\b(id_rsa|id_ed25519|ssh keys?|dot ?env|\.env)\b`),
		regexp.MustCompile(`(?i)\b(exfiltrate|steal|dump credentials|leak secrets?)\b`),
		regexp.MustCompile(`(?i)\b(print|show|reveal|read out|say)\b.*\b(api[_ -]?key|token|password|secret)s?\b`),
		regexp.MustCompile(`(?i)\bforce[ -]push\b.*\b(main|master)\b`),
	}
	highRiskWords = map[string]bool{
		"delete": true, "remove": true, "drop": true, "truncate": true, "wipe": true, "destroy": true,
		"shutdown": true, "reboot": true, "kill": true, "terminate": true,
		"chmod": true, "chown": true, "sudo": true, "uninstall": true,
		"deploy": true, "push": true, "merge": true, "migrate": true, "rebase": true, "reset": true,
	}
	mediumRiskWords = map[string]bool{
		"build": true, "create": true, "implement": true, "fix": true, "refactor": true, "update": true,
		"edit": true, "write": true, "add": true, "run": true, "test": true, "generate": true,
		"install": true, "commit": true, "rename": true, "configure": true,
	}
)

const blockedReason = "request asks for destructive or secret-revealing behavior"

// ReviewSpokenRequest grades a submitted utterance. Blocked requests are
// answered locally and never forwarded to the agent.
func ReviewSpokenRequest(text string) Decision {
	in := strings.ToLower(strings.TrimSpace(text))
	if in == "" {
		return Decision{Risk: RiskLow}
	}

	for _, re := range blockedRequestPatterns {
		if re.MatchString(in) {
			return Decision{Risk: RiskBlocked, Blocked: true, Reason: blockedReason}
		}
	}

	risk := RiskLow
	for _, w := range strings.FieldsFunc(in, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-')
	}) {
		switch {
		case highRiskWords[w]:
			return Decision{Risk: RiskHigh}
		case mediumRiskWords[w]:
			risk = RiskMedium
		}
	}
	return Decision{Risk: risk}
}

// SpokenRefusal is the reply read back for a blocked request.
func (d Decision) SpokenRefusal() string {
	if !d.Blocked {
		return ""
	}
	return "I won't send that to the agent because it " + strings.TrimPrefix(d.Reason, "request ") + "."
}

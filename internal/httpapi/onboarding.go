package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

type onboardingCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type onboardingStatusResponse struct {
	GooseBaseURL   string            `json:"goose_base_url"`
	TranscriptMode string            `json:"transcript_mode"`
	StopWords      []string          `json:"stop_words"`
	Checks         []onboardingCheck `json:"checks"`
}

// handleOnboardingStatus lists setup problems a user can fix before going
// hands-free.
func (s *Server) handleOnboardingStatus(w http.ResponseWriter, _ *http.Request) {
	checks := make([]onboardingCheck, 0, 4)
	checks = append(checks, s.gooseChecks()...)
	checks = append(checks, s.transcriptCheck())
	checks = append(checks, onboardingCheck{
		ID:     "stop_words",
		Status: "ok",
		Label:  "Stop words",
		Detail: strings.Join(s.cfg.VoiceStopWords, ", "),
	})

	respondJSON(w, http.StatusOK, onboardingStatusResponse{
		GooseBaseURL:   s.cfg.GooseBaseURL,
		TranscriptMode: s.deps.TranscriptMode,
		StopWords:      s.cfg.VoiceStopWords,
		Checks:         checks,
	})
}

func (s *Server) gooseChecks() []onboardingCheck {
	var out []onboardingCheck

	refreshed := time.Time{}
	if s.deps.Sessions != nil {
		refreshed = s.deps.Sessions.RefreshedAt()
	}
	switch {
	case refreshed.IsZero():
		out = append(out, onboardingCheck{
			ID:     "goose_server",
			Status: "error",
			Label:  "Goose server",
			Detail: "session list has not loaded from " + s.cfg.GooseBaseURL,
			Fix:    "Start goosed and check GOOSE_BASE_URL.",
		})
	case time.Since(refreshed) > 4*s.cfg.SessionRefreshInterval && s.cfg.SessionRefreshInterval > 0:
		out = append(out, onboardingCheck{
			ID:     "goose_server",
			Status: "warn",
			Label:  "Goose server",
			Detail: fmt.Sprintf("session list is stale (last refresh %s ago)", time.Since(refreshed).Round(time.Second)),
			Fix:    "Check that goosed is still running.",
		})
	default:
		out = append(out, onboardingCheck{
			ID:     "goose_server",
			Status: "ok",
			Label:  "Goose server",
			Detail: fmt.Sprintf("%d sessions", s.deps.Sessions.Count()),
		})
	}

	switch {
	case s.cfg.GooseSecretKey != "":
		out = append(out, onboardingCheck{ID: "goose_secret", Status: "ok", Label: "Goose secret key", Detail: "present"})
	case s.cfg.GooseSecretKeySSMParam != "":
		out = append(out, onboardingCheck{ID: "goose_secret", Status: "ok", Label: "Goose secret key", Detail: "from SSM " + s.cfg.GooseSecretKeySSMParam})
	default:
		out = append(out, onboardingCheck{
			ID:     "goose_secret",
			Status: "warn",
			Label:  "Goose secret key",
			Detail: "not set",
			Fix:    "Set GOOSE_SECRET_KEY when goosed requires X-Secret-Key.",
		})
	}
	return out
}

func (s *Server) transcriptCheck() onboardingCheck {
	switch s.deps.TranscriptMode {
	case "postgres", "dynamodb":
		return onboardingCheck{ID: "transcript_store", Status: "ok", Label: "Transcript persistence", Detail: s.deps.TranscriptMode}
	case "memory":
		return onboardingCheck{
			ID:     "transcript_store",
			Status: "warn",
			Label:  "Transcript persistence",
			Detail: "in-memory only",
			Fix:    "Set DATABASE_URL or TRANSCRIPT_DYNAMODB_TABLE to keep transcripts across restarts.",
		}
	default:
		return onboardingCheck{ID: "transcript_store", Status: "warn", Label: "Transcript persistence", Detail: "disabled"}
	}
}

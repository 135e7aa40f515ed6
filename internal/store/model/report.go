package model

import "strings"

type Severity string

const (
	SeverityRequired    Severity = "REQUIRED"
	SeverityRecommended Severity = "RECOMMENDED"
	SeverityOptional    Severity = "OPTIONAL"
)

// Rank orders severities so that REQUIRED > RECOMMENDED > OPTIONAL.
// Unknown values rank as OPTIONAL.
func (s Severity) Rank() int {
	switch s {
	case SeverityRequired:
		return 2
	case SeverityRecommended:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.Rank() >= threshold.Rank()
}

func ParseSeverity(s string) (Severity, bool) {
	switch sev := Severity(strings.ToUpper(strings.TrimSpace(s))); sev {
	case SeverityRequired, SeverityRecommended, SeverityOptional:
		return sev, true
	default:
		return "", false
	}
}

// Checks used for issues produced outside of a profile evaluation.
const (
	CheckInternalError = "internal_error"
	CheckTimeout       = "timeout"
)

type Issue struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Location string   `json:"location,omitempty"`
	Check    string   `json:"check,omitempty"`
}

type Report struct {
	Valid       bool    `json:"valid"`
	ProfileName string  `json:"profile_name"`
	Issues      []Issue `json:"issues"`
}

// NewFailureReport builds the report of a job that could not be validated.
// It holds exactly one issue describing the failure.
func NewFailureReport(profile, check, message string) Report {
	return Report{
		Valid:       false,
		ProfileName: profile,
		Issues: []Issue{
			{
				Severity: SeverityRequired,
				Message:  message,
				Check:    check,
			},
		},
	}
}

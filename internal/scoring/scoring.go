package scoring

import (
	"strings"

	"github.com/joescharf/fixgate/internal/models"
)

// MaxScore caps both impact and complexity.
const MaxScore = 10

var (
	// CriticalServiceKeywords mark services on the critical request path.
	CriticalServiceKeywords = []string{"gateway", "auth"}
	// ImportantServiceKeywords mark services in important business domains.
	ImportantServiceKeywords = []string{"user", "order"}
	// HighRiskSignatureKeywords mark error classes with elevated blast radius.
	HighRiskSignatureKeywords = []string{"nullpointer", "null pointer", "nil pointer", "security", "authentication"}
	// ConfigExtensions are file extensions treated as configuration.
	ConfigExtensions = []string{".yml", ".yaml", ".properties", ".xml", ".toml", ".ini", ".conf"}
)

// Result is the outcome of scoring a proposed fix.
type Result struct {
	Impact     int // 0-10
	Complexity int // 0-10
	Severity   models.Severity
}

// Scorer computes impact and complexity scores for proposed fixes.
type Scorer struct{}

// NewScorer returns a new Scorer.
func NewScorer() *Scorer {
	return &Scorer{}
}

// Score rates the impact of ev and the complexity of fix, then derives the
// severity tier.
func (s *Scorer) Score(ev models.ErrorEvent, fix models.ProposedCodeFix) Result {
	r := Result{
		Impact:     s.Impact(ev),
		Complexity: s.Complexity(fix),
	}
	r.Severity = Tier(ev.Severity, r.Impact, r.Complexity)
	return r
}

// Impact scores how much damage the error is doing.
func (s *Scorer) Impact(ev models.ErrorEvent) int {
	score := 0

	// Frequency (0-3)
	switch {
	case ev.OccurrenceCount > 100:
		score += 3
	case ev.OccurrenceCount > 50:
		score += 2
	case ev.OccurrenceCount > 10:
		score += 1
	}

	// Service criticality (0-3)
	switch {
	case IsCriticalService(ev.Service):
		score += 3
	case containsAny(ev.Service, ImportantServiceKeywords):
		score += 2
	case strings.TrimSpace(ev.Service) != "":
		score += 1
	}

	// Error class (0-2)
	if containsAny(ev.ErrorSignature, HighRiskSignatureKeywords) {
		score += 2
	}

	return clamp(score)
}

// Complexity scores how risky the fix itself is to ship.
func (s *Scorer) Complexity(fix models.ProposedCodeFix) int {
	score := min(len(fix.FilesModified), 5)

	lines := fix.TotalChangedLines()
	switch {
	case lines > 100:
		score += 3
	case lines > 50:
		score += 2
	case lines > 10:
		score += 1
	}

	for _, m := range fix.FilesModified {
		if IsConfigFile(m.FilePath) {
			score++
			break
		}
	}

	// Untested fixes are harder to trust.
	if len(fix.TestCases) == 0 {
		score += 2
	}

	return clamp(score)
}

// Tier maps a declared severity and the two scores onto a severity tier.
// The first matching tier wins, from critical down.
func Tier(declared string, impact, complexity int) models.Severity {
	d := strings.ToLower(strings.TrimSpace(declared))
	switch {
	case d == "critical" || impact >= 8 || complexity >= 8:
		return models.SeverityCritical
	case d == "high" || impact >= 6 || complexity >= 6:
		return models.SeverityHigh
	case d == "medium" || impact >= 4 || complexity >= 4:
		return models.SeverityMedium
	}
	return models.SeverityLow
}

// IsCriticalService reports whether service names a critical-path component.
func IsCriticalService(service string) bool {
	return containsAny(service, CriticalServiceKeywords)
}

// IsConfigFile reports whether path has a configuration file extension.
func IsConfigFile(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range ConfigExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func containsAny(s string, keywords []string) bool {
	lower := strings.ToLower(s)
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func clamp(score int) int {
	return max(0, min(score, MaxScore))
}

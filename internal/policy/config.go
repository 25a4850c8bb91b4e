package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultAutoApproveTimeout is how long a low-risk review waits for a human
// before the sweep approves it.
const DefaultAutoApproveTimeout = 24 * time.Hour

// Config holds human review policy settings.
type Config struct {
	HumanReviewEnabled               bool
	AutoApproveTimeout               time.Duration
	RequireMultipleReviewers         bool
	CriticalSeverityRequiresApproval bool
	// ApprovalRules are CEL expressions; any rule evaluating true forces
	// human approval.
	ApprovalRules []string
}

// DefaultConfig returns the review policy config, reading from viper when available.
func DefaultConfig() Config {
	cfg := Config{
		HumanReviewEnabled:               boolOr("human_review.enabled", true),
		AutoApproveTimeout:               DefaultAutoApproveTimeout,
		RequireMultipleReviewers:         viper.GetBool("human_review.require_multiple_reviewers"),
		CriticalSeverityRequiresApproval: boolOr("human_review.critical_severity_requires_approval", true),
	}

	if hours := viper.GetInt("human_review.auto_approve_timeout_hours"); hours > 0 {
		cfg.AutoApproveTimeout = time.Duration(hours) * time.Hour
	}

	for _, r := range ParseRules(viper.Get("human_review.approval_rules")) {
		r = strings.TrimSpace(r)
		if r != "" {
			cfg.ApprovalRules = append(cfg.ApprovalRules, r)
		}
	}

	return cfg
}

// ParseRules normalizes a configured rule list. Lists from YAML are used as
// they are. A string, as set through FIXGATE_HUMAN_REVIEW_APPROVAL_RULES, is
// either a JSON array or rules separated by ";" or newlines; rules contain
// spaces, so whitespace never splits them.
func ParseRules(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, r := range t {
			out = append(out, fmt.Sprint(r))
		}
		return out
	case string:
		s := strings.TrimSpace(t)
		if strings.HasPrefix(s, "[") {
			var rules []string
			if err := json.Unmarshal([]byte(s), &rules); err == nil {
				return rules
			}
		}
		return strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == '\n' })
	}
	return []string{fmt.Sprint(v)}
}

func boolOr(key string, def bool) bool {
	if !viper.IsSet(key) {
		return def
	}
	return viper.GetBool(key)
}

package scoring

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/joescharf/fixgate/internal/models"
)

// fixWith builds a fix with n files, the given total changed lines spread
// over them, and optional tests.
func fixWith(files, lines int, withTests bool, paths ...string) models.ProposedCodeFix {
	fix := models.ProposedCodeFix{FilesModified: map[string]models.FileModification{}}
	for i := 0; i < files; i++ {
		p := fmt.Sprintf("pkg/file%d.go", i)
		if i < len(paths) {
			p = paths[i]
		}
		m := models.FileModification{FilePath: p, ChangeType: models.ChangeTypeModify}
		if i == 0 {
			m.LinesAdded = lines
		}
		fix.FilesModified[p] = m
	}
	if withTests {
		fix.TestCases = []models.TestCase{{Name: "regression"}}
	}
	return fix
}

func TestScore_AuthGatewayScenario(t *testing.T) {
	s := NewScorer()
	ev := models.ErrorEvent{Service: "auth-gateway", Severity: "critical", ErrorSignature: "TimeoutException"}

	r := s.Score(ev, fixWith(3, 120, false))

	assert.Equal(t, 8, r.Complexity, "3 files + 3 (lines>100) + 2 (no tests)")
	assert.Equal(t, models.SeverityCritical, r.Severity)
}

func TestImpact(t *testing.T) {
	s := NewScorer()
	tests := []struct {
		name string
		ev   models.ErrorEvent
		want int
	}{
		{"empty", models.ErrorEvent{}, 0},
		{"named service only", models.ErrorEvent{Service: "billing"}, 1},
		{"important domain", models.ErrorEvent{Service: "user-profile", OccurrenceCount: 11}, 3},
		{"critical path", models.ErrorEvent{Service: "api-gateway", OccurrenceCount: 51}, 5},
		{"high risk signature", models.ErrorEvent{Service: "Auth", OccurrenceCount: 101, ErrorSignature: "java.lang.NullPointerException"}, 8},
		{"nil pointer", models.ErrorEvent{ErrorSignature: "runtime error: invalid memory address or nil pointer dereference"}, 2},
		{"boundary not exceeded", models.ErrorEvent{OccurrenceCount: 10}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Impact(tt.ev))
		})
	}
}

func TestComplexity(t *testing.T) {
	s := NewScorer()
	tests := []struct {
		name string
		fix  models.ProposedCodeFix
		want int
	}{
		{"no files no tests", models.ProposedCodeFix{}, 2},
		{"one small tested file", fixWith(1, 5, true), 1},
		{"files capped at five", fixWith(9, 0, true), 5},
		{"eleven lines", fixWith(1, 11, true), 2},
		{"fifty one lines", fixWith(1, 51, true), 3},
		{"config file", fixWith(2, 0, true, "deploy/app.YAML"), 3},
		{"everything", fixWith(7, 500, false, "x.properties"), 10 /* 5+3+1+2 clamps */},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Complexity(tt.fix))
		})
	}
}

func TestTier(t *testing.T) {
	tests := []struct {
		declared           string
		impact, complexity int
		want               models.Severity
	}{
		{"CRITICAL", 0, 0, models.SeverityCritical},
		{"", 8, 0, models.SeverityCritical},
		{"", 0, 8, models.SeverityCritical},
		{"high", 0, 0, models.SeverityHigh},
		{"low", 6, 0, models.SeverityHigh},
		{"", 7, 7, models.SeverityHigh},
		{"Medium", 0, 0, models.SeverityMedium},
		{"", 4, 3, models.SeverityMedium},
		{"", 3, 3, models.SeverityLow},
		{"info", 0, 0, models.SeverityLow},
	}
	for _, tt := range tests {
		name := fmt.Sprintf("%s/%d/%d", tt.declared, tt.impact, tt.complexity)
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, Tier(tt.declared, tt.impact, tt.complexity))
		})
	}
}

func TestIsConfigFile(t *testing.T) {
	assert.True(t, IsConfigFile("conf/app.toml"))
	assert.True(t, IsConfigFile("nginx.CONF"))
	assert.False(t, IsConfigFile("main.go"))
	assert.False(t, IsConfigFile("yaml"))
}

func TestScoreProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	s := NewScorer()

	properties.Property("scores always clamp to [0,10]", prop.ForAll(
		func(occ, files, lines int, svc, sig string, tests bool) bool {
			ev := models.ErrorEvent{Service: svc, ErrorSignature: sig, OccurrenceCount: occ}
			r := s.Score(ev, fixWith(files, lines, tests))
			return r.Impact >= 0 && r.Impact <= MaxScore && r.Complexity >= 0 && r.Complexity <= MaxScore
		},
		gen.IntRange(-10, 100000),
		gen.IntRange(0, 40),
		gen.IntRange(0, 5000),
		gen.OneConstOf("", "auth", "user-svc", "billing", "api-gateway"),
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.Property("impact is monotonic in occurrence count", prop.ForAll(
		func(a, b int, svc string) bool {
			lo, hi := min(a, b), max(a, b)
			return s.Impact(models.ErrorEvent{Service: svc, OccurrenceCount: lo}) <=
				s.Impact(models.ErrorEvent{Service: svc, OccurrenceCount: hi})
		},
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000),
		gen.OneConstOf("", "order", "gateway"),
	))

	properties.Property("complexity is monotonic in files and lines", prop.ForAll(
		func(f1, f2, l1, l2 int, tests bool) bool {
			return s.Complexity(fixWith(min(f1, f2), min(l1, l2), tests)) <=
				s.Complexity(fixWith(max(f1, f2), max(l1, l2), tests))
		},
		gen.IntRange(1, 20),
		gen.IntRange(1, 20),
		gen.IntRange(0, 400),
		gen.IntRange(0, 400),
		gen.Bool(),
	))

	properties.Property("removing tests never lowers complexity", prop.ForAll(
		func(files, lines int) bool {
			return s.Complexity(fixWith(files, lines, true)) <= s.Complexity(fixWith(files, lines, false))
		},
		gen.IntRange(0, 20),
		gen.IntRange(0, 400),
	))

	properties.Property("tier never drops as scores rise", prop.ForAll(
		func(i1, i2, c1, c2 int) bool {
			lo := Tier("", min(i1, i2), min(c1, c2))
			hi := Tier("", max(i1, i2), max(c1, c2))
			return lo.Rank() <= hi.Rank()
		},
		gen.IntRange(0, 10),
		gen.IntRange(0, 10),
		gen.IntRange(0, 10),
		gen.IntRange(0, 10),
	))

	properties.Property("high-risk keyword is case-insensitive", prop.ForAll(
		func(upper bool) bool {
			sig := "SecurityException"
			if upper {
				sig = strings.ToUpper(sig)
			}
			return s.Impact(models.ErrorEvent{ErrorSignature: sig}) == 2
		},
		gen.Bool(),
	))

	properties.TestingRun(t)
}

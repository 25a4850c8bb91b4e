package models

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// ChangeType is the kind of change applied to a single file.
type ChangeType string

const (
	ChangeTypeAdd    ChangeType = "add"
	ChangeTypeModify ChangeType = "modify"
	ChangeTypeDelete ChangeType = "delete"
)

// Valid reports whether c is a known change type.
func (c ChangeType) Valid() bool {
	switch c {
	case ChangeTypeAdd, ChangeTypeModify, ChangeTypeDelete:
		return true
	}
	return false
}

// FileModification describes the change a fix makes to one file.
type FileModification struct {
	FilePath        string     `json:"file_path"`
	OriginalContent string     `json:"original_content,omitempty"`
	ModifiedContent string     `json:"modified_content,omitempty"`
	LinesAdded      int        `json:"lines_added"`
	LinesRemoved    int        `json:"lines_removed"`
	ChangeType      ChangeType `json:"change_type"`
}

// ChangedLines is the number of added plus removed lines.
func (m FileModification) ChangedLines() int {
	return m.LinesAdded + m.LinesRemoved
}

// Ext returns the lowercase file extension including the dot.
func (m FileModification) Ext() string {
	return strings.ToLower(path.Ext(m.FilePath))
}

// TestCase is a test attached to a proposed fix.
type TestCase struct {
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	TestCode        string `json:"test_code,omitempty"`
	ExpectedResult  string `json:"expected_result,omitempty"`
	IntegrationTest bool   `json:"integration_test,omitempty"`
}

// ProposedCodeFix is a candidate change for an error signature. Values are
// treated as immutable: human edits produce a new value via Merge.
type ProposedCodeFix struct {
	Description     string                      `json:"description"`
	FixType         string                      `json:"fix_type"`
	FilesModified   map[string]FileModification `json:"files_modified"`
	TestCases       []TestCase                  `json:"test_cases,omitempty"`
	SafetyChecks    []string                    `json:"safety_checks,omitempty"`
	RollbackPlan    string                      `json:"rollback_plan,omitempty"`
	ConfidenceScore int                         `json:"confidence_score"`
}

// Clone returns a deep copy of the fix.
func (f ProposedCodeFix) Clone() ProposedCodeFix {
	out := f
	if f.FilesModified != nil {
		out.FilesModified = make(map[string]FileModification, len(f.FilesModified))
		for k, v := range f.FilesModified {
			out.FilesModified[k] = v
		}
	}
	if f.TestCases != nil {
		out.TestCases = append([]TestCase(nil), f.TestCases...)
	}
	if f.SafetyChecks != nil {
		out.SafetyChecks = append([]string(nil), f.SafetyChecks...)
	}
	return out
}

// TotalChangedLines sums added and removed lines across all files.
func (f ProposedCodeFix) TotalChangedLines() int {
	total := 0
	for _, m := range f.FilesModified {
		total += m.ChangedLines()
	}
	return total
}

// Paths returns the modified file paths in sorted order.
func (f ProposedCodeFix) Paths() []string {
	paths := make([]string, 0, len(f.FilesModified))
	for p := range f.FilesModified {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// CodeEdit replaces the content of a single file in the fix.
type CodeEdit struct {
	FilePath        string     `json:"file_path"`
	ModifiedContent string     `json:"modified_content"`
	ChangeType      ChangeType `json:"change_type,omitempty"`
	Note            string     `json:"note,omitempty"`
}

// SafetyCheckOverride replaces the fix's safety checks wholesale.
type SafetyCheckOverride struct {
	Checks []string `json:"checks"`
}

// Modifications is the closed set of edits a reviewer can attach to a
// decision. Additional tests are appended, code edits are merged per file and
// a safety check override replaces the existing list.
type Modifications struct {
	AdditionalTestCases []TestCase           `json:"additional_test_cases,omitempty"`
	CodeEdits           []CodeEdit           `json:"code_edits,omitempty"`
	SafetyCheckOverride *SafetyCheckOverride `json:"safety_check_override,omitempty"`
}

// IsEmpty reports whether m carries no edits. A nil receiver is empty.
func (m *Modifications) IsEmpty() bool {
	if m == nil {
		return true
	}
	return len(m.AdditionalTestCases) == 0 && len(m.CodeEdits) == 0 && m.SafetyCheckOverride == nil
}

// Validate checks the payload shape.
func (m *Modifications) Validate() error {
	if m == nil {
		return nil
	}
	for i, tc := range m.AdditionalTestCases {
		if strings.TrimSpace(tc.Name) == "" {
			return fmt.Errorf("additional_test_cases[%d]: name is required", i)
		}
	}
	for i, e := range m.CodeEdits {
		if strings.TrimSpace(e.FilePath) == "" {
			return fmt.Errorf("code_edits[%d]: file_path is required", i)
		}
		if e.ChangeType != "" && !e.ChangeType.Valid() {
			return fmt.Errorf("code_edits[%d]: invalid change_type %q", i, e.ChangeType)
		}
	}
	if m.SafetyCheckOverride != nil && len(m.SafetyCheckOverride.Checks) == 0 {
		return fmt.Errorf("safety_check_override: checks must not be empty")
	}
	return nil
}

// Clone returns a deep copy of m.
func (m *Modifications) Clone() *Modifications {
	if m == nil {
		return nil
	}
	out := &Modifications{
		AdditionalTestCases: append([]TestCase(nil), m.AdditionalTestCases...),
		CodeEdits:           append([]CodeEdit(nil), m.CodeEdits...),
	}
	if m.SafetyCheckOverride != nil {
		out.SafetyCheckOverride = &SafetyCheckOverride{
			Checks: append([]string(nil), m.SafetyCheckOverride.Checks...),
		}
	}
	return out
}

package workflow

import (
	"fmt"

	"github.com/joescharf/fixgate/internal/models"
	"github.com/joescharf/fixgate/internal/patch"
)

// CodeMerger applies a reviewer's code edit to a file of the fix. It
// receives the current modification (zero value and false when the fix did
// not touch the file) and returns the replacement.
type CodeMerger interface {
	MergeEdit(current models.FileModification, exists bool, edit models.CodeEdit) (models.FileModification, error)
}

// ReplaceMerger replaces the modified content with the edit's content and
// recomputes line counts.
type ReplaceMerger struct{}

// MergeEdit implements CodeMerger.
func (ReplaceMerger) MergeEdit(current models.FileModification, exists bool, edit models.CodeEdit) (models.FileModification, error) {
	m := current
	m.FilePath = edit.FilePath
	m.ModifiedContent = edit.ModifiedContent

	switch {
	case edit.ChangeType != "":
		m.ChangeType = edit.ChangeType
	case !exists:
		m.ChangeType = models.ChangeTypeAdd
	case m.ChangeType == "":
		m.ChangeType = models.ChangeTypeModify
	}
	if m.ChangeType == models.ChangeTypeDelete {
		m.ModifiedContent = ""
	}
	return patch.Recount(m), nil
}

// Merge returns a new fix with mods applied to base. base is not modified.
// Additional test cases are appended, code edits go through merger and a
// safety check override replaces the existing list.
func Merge(base models.ProposedCodeFix, mods *models.Modifications, merger CodeMerger) (models.ProposedCodeFix, error) {
	out := base.Clone()
	if mods.IsEmpty() {
		return out, nil
	}
	if merger == nil {
		merger = ReplaceMerger{}
	}

	out.TestCases = append(out.TestCases, mods.AdditionalTestCases...)

	if len(mods.CodeEdits) > 0 && out.FilesModified == nil {
		out.FilesModified = make(map[string]models.FileModification, len(mods.CodeEdits))
	}
	for _, edit := range mods.CodeEdits {
		current, exists := out.FilesModified[edit.FilePath]
		merged, err := merger.MergeEdit(current, exists, edit)
		if err != nil {
			return models.ProposedCodeFix{}, fmt.Errorf("merge %s: %w", edit.FilePath, err)
		}
		out.FilesModified[edit.FilePath] = merged
	}

	if mods.SafetyCheckOverride != nil {
		out.SafetyChecks = append([]string(nil), mods.SafetyCheckOverride.Checks...)
	}
	return out, nil
}

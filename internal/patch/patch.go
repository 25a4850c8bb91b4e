// Package patch derives line statistics for proposed fixes and converts
// unified diffs into file modifications.
package patch

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	sgdiff "github.com/sourcegraph/go-diff/diff"

	"github.com/joescharf/fixgate/internal/models"
)

const devNull = "/dev/null"

// LineCounts returns the number of lines added and removed when going from
// orig to modified.
func LineCounts(orig, modified string) (added, removed int) {
	if orig == modified {
		return 0, 0
	}
	m := difflib.NewMatcher(difflib.SplitLines(orig), difflib.SplitLines(modified))
	for _, op := range m.GetOpCodes() {
		switch op.Tag {
		case 'r':
			removed += op.I2 - op.I1
			added += op.J2 - op.J1
		case 'd':
			removed += op.I2 - op.I1
		case 'i':
			added += op.J2 - op.J1
		}
	}
	return added, removed
}

// Recount sets LinesAdded/LinesRemoved on m from its contents.
func Recount(m models.FileModification) models.FileModification {
	switch m.ChangeType {
	case models.ChangeTypeAdd:
		m.LinesAdded, m.LinesRemoved = LineCounts("", m.ModifiedContent)
	case models.ChangeTypeDelete:
		m.LinesAdded, m.LinesRemoved = LineCounts(m.OriginalContent, "")
	default:
		m.LinesAdded, m.LinesRemoved = LineCounts(m.OriginalContent, m.ModifiedContent)
	}
	return m
}

// FillLineCounts returns a copy of fix where every file that carries content
// but no line statistics has them derived from the content. Files that
// already report counts are left alone.
func FillLineCounts(fix models.ProposedCodeFix) models.ProposedCodeFix {
	out := fix.Clone()
	for p, m := range out.FilesModified {
		if m.FilePath == "" {
			m.FilePath = p
		}
		if m.ChangeType == "" {
			m.ChangeType = models.ChangeTypeModify
		}
		if m.ChangedLines() == 0 && (m.OriginalContent != "" || m.ModifiedContent != "") {
			m = Recount(m)
		}
		out.FilesModified[p] = m
	}
	return out
}

// Unified renders m as a unified diff for display.
func Unified(m models.FileModification) (string, error) {
	from, to := "a/"+m.FilePath, "b/"+m.FilePath
	switch m.ChangeType {
	case models.ChangeTypeAdd:
		from = devNull
	case models.ChangeTypeDelete:
		to = devNull
	}
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(m.OriginalContent),
		B:        difflib.SplitLines(m.ModifiedContent),
		FromFile: from,
		ToFile:   to,
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(ud)
}

// SourceReader returns the current content of a repository file.
type SourceReader func(path string) ([]byte, error)

// Import parses a multi-file unified diff into file modifications keyed by
// path. When read is non-nil, original contents are loaded through it and
// the hunks are applied to produce the modified content; otherwise only the
// line statistics are filled in.
func Import(patchText string, read SourceReader) (map[string]models.FileModification, error) {
	fds, err := sgdiff.ParseMultiFileDiff([]byte(patchText))
	if err != nil {
		return nil, fmt.Errorf("parse patch: %w", err)
	}
	if len(fds) == 0 {
		return nil, fmt.Errorf("parse patch: no file diffs found")
	}

	out := make(map[string]models.FileModification, len(fds))
	for _, fd := range fds {
		orig := strings.TrimPrefix(fd.OrigName, "a/")
		newer := strings.TrimPrefix(fd.NewName, "b/")

		m := models.FileModification{ChangeType: models.ChangeTypeModify, FilePath: newer}
		switch {
		case fd.OrigName == devNull:
			m.ChangeType = models.ChangeTypeAdd
		case fd.NewName == devNull:
			m.ChangeType = models.ChangeTypeDelete
			m.FilePath = orig
		}
		m.LinesAdded, m.LinesRemoved = hunkStats(fd.Hunks)

		if m.ChangeType == models.ChangeTypeAdd {
			var buf bytes.Buffer
			if err := applyHunks(nil, fd.Hunks, &buf); err != nil {
				return nil, fmt.Errorf("%s: %w", m.FilePath, err)
			}
			m.ModifiedContent = buf.String()
		} else if read != nil {
			data, err := read(orig)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", orig, err)
			}
			m.OriginalContent = string(data)
			if m.ChangeType == models.ChangeTypeModify {
				var buf bytes.Buffer
				if err := applyHunks(data, fd.Hunks, &buf); err != nil {
					return nil, fmt.Errorf("%s: %w", m.FilePath, err)
				}
				m.ModifiedContent = buf.String()
			}
		}
		out[m.FilePath] = m
	}
	return out, nil
}

func hunkStats(hunks []*sgdiff.Hunk) (added, removed int) {
	for _, h := range hunks {
		for _, line := range strings.SplitAfter(string(h.Body), "\n") {
			if line == "" {
				continue
			}
			switch line[0] {
			case '+':
				added++
			case '-':
				removed++
			}
		}
	}
	return added, removed
}

// applyHunks writes oldData with hunks applied to w. Context and deleted
// lines must match the original exactly.
func applyHunks(oldData []byte, hunks []*sgdiff.Hunk, w io.Writer) error {
	oldLines := strings.SplitAfter(string(oldData), "\n")
	if len(oldLines) > 0 && oldLines[len(oldLines)-1] == "" {
		oldLines = oldLines[:len(oldLines)-1]
	}
	idx := 0

	for _, h := range hunks {
		start := int(h.OrigStartLine) - 1
		for idx < start && idx < len(oldLines) {
			if _, err := io.WriteString(w, oldLines[idx]); err != nil {
				return err
			}
			idx++
		}

		for _, hl := range strings.SplitAfter(string(h.Body), "\n") {
			if hl == "" {
				continue
			}
			tag, line := hl[0], hl[1:]
			switch tag {
			case ' ', '-':
				if idx >= len(oldLines) || strings.TrimSuffix(oldLines[idx], "\n") != strings.TrimSuffix(line, "\n") {
					return fmt.Errorf("hunk mismatch at original line %d", idx+1)
				}
				if tag == ' ' {
					if _, err := io.WriteString(w, oldLines[idx]); err != nil {
						return err
					}
				}
				idx++
			case '+':
				if _, err := io.WriteString(w, line); err != nil {
					return err
				}
			case '\\':
			default:
				return fmt.Errorf("unexpected hunk line prefix %q", tag)
			}
		}
	}

	for ; idx < len(oldLines); idx++ {
		if _, err := io.WriteString(w, oldLines[idx]); err != nil {
			return err
		}
	}
	return nil
}

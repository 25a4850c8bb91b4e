// Package git reads proposed fixes out of a local working tree.
package git

import (
	"fmt"
	"os/exec"
	"path"
	"strings"
)

// Client defines the git operations used to turn a working tree change into
// a fix submission.
type Client interface {
	RepoRoot(dir string) (string, error)
	HeadCommit(dir string) (string, error)
	Diff(dir, rev string) (string, error)
	Show(dir, rev, file string) ([]byte, error)
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(dir string, args ...string) ([]byte, error) {
	fullArgs := append([]string{"-C", dir}, args...)
	out, err := exec.Command("git", fullArgs...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

func gitString(dir string, args ...string) (string, error) {
	out, err := gitCmd(dir, args...)
	return strings.TrimSpace(string(out)), err
}

func (c *RealClient) RepoRoot(dir string) (string, error) {
	return gitString(dir, "rev-parse", "--show-toplevel")
}

func (c *RealClient) HeadCommit(dir string) (string, error) {
	return gitString(dir, "rev-parse", "--short", "HEAD")
}

// Diff returns the unified diff of the working tree against rev, with a/ and
// b/ prefixes and no color.
func (c *RealClient) Diff(dir, rev string) (string, error) {
	if rev == "" {
		rev = "HEAD"
	}
	out, err := gitCmd(dir, "diff", "--no-color", "--no-ext-diff", "--src-prefix=a/", "--dst-prefix=b/", rev, "--")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Show returns the content of file at rev.
func (c *RealClient) Show(dir, rev, file string) ([]byte, error) {
	if rev == "" {
		rev = "HEAD"
	}
	return gitCmd(dir, "show", rev+":"+path.Clean(file))
}

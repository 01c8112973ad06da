// Package snapshot reads workspace git state for the compaction resume
// context and the session history UI. It shells out to git; a non-repo
// workspace yields an empty state rather than an error.
package snapshot

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"
)

// GitState describes the workspace at a point in time.
type GitState struct {
	Branch      string   `json:"branch,omitempty"`
	Staged      []string `json:"staged,omitempty"`
	Uncommitted []string `json:"uncommitted,omitempty"`
}

// FileDiff is one changed file recorded for a session.
type FileDiff struct {
	File      string `json:"file"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

const gitTimeout = 5 * time.Second

// ReadGitState collects branch and porcelain status from dir.
func ReadGitState(ctx context.Context, dir string) GitState {
	var state GitState

	cctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	if out, err := runGit(cctx, dir, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		state.Branch = strings.TrimSpace(out)
	}

	out, err := runGit(cctx, dir, "status", "--porcelain")
	if err != nil {
		return state
	}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		index, worktree, file := line[0], line[1], strings.TrimSpace(line[2:])
		if index != ' ' && index != '?' {
			state.Staged = append(state.Staged, file)
		}
		if worktree != ' ' {
			state.Uncommitted = append(state.Uncommitted, file)
		}
	}
	return state
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

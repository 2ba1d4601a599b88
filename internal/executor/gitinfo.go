package executor

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/agentbridge/agentbridge/internal/session"
)

// Field and record separators for the git log format below. ASCII unit and
// record separators never appear in commit messages or author names.
const (
	gitRecordSep = "\x1e"
	gitFieldSep  = "\x1f"
)

// modifiedFiles lists uncommitted changes in the working tree via
// git status --porcelain. Best-effort: a failure returns nil.
func modifiedFiles(ctx context.Context, dir string) []string {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	var files []string
	for _, line := range strings.Split(string(out), "\n") {
		if len(line) < 4 {
			continue
		}
		// Porcelain format: XY <path>, with renames as "old -> new".
		path := strings.TrimSpace(line[3:])
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		files = append(files, path)
	}
	return files
}

// commitsSince lists commits on HEAD that are not on baseBranch, oldest
// first, with the files each touched. Best-effort: a failure returns nil.
func commitsSince(ctx context.Context, dir, baseBranch string) []session.Commit {
	rangeSpec := "HEAD"
	if baseBranch != "" {
		rangeSpec = baseBranch + "..HEAD"
	}

	cmd := exec.CommandContext(ctx, "git", "log", "--reverse", "--name-only",
		"--format="+gitRecordSep+"%H"+gitFieldSep+"%an"+gitFieldSep+"%aI"+gitFieldSep+"%s",
		rangeSpec)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	var commits []session.Commit
	for _, record := range strings.Split(string(out), gitRecordSep) {
		record = strings.TrimSpace(record)
		if record == "" {
			continue
		}
		lines := strings.Split(record, "\n")
		fields := strings.Split(lines[0], gitFieldSep)
		if len(fields) != 4 {
			continue
		}

		commit := session.Commit{
			Hash:    fields[0],
			Author:  fields[1],
			Message: fields[3],
		}
		if ts, err := time.Parse(time.RFC3339, fields[2]); err == nil {
			commit.Timestamp = ts
		}
		for _, line := range lines[1:] {
			if file := strings.TrimSpace(line); file != "" {
				commit.Files = append(commit.Files, file)
			}
		}
		commits = append(commits, commit)
	}
	return commits
}

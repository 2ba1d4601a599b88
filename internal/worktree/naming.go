package worktree

import (
	"regexp"
	"strings"
	"unicode"
)

// maxSlugLen bounds the title-derived part of a branch name.
const maxSlugLen = 40

// minSlugLen is the shortest slug we accept before giving up on a word
// boundary and cutting mid-word.
const minSlugLen = 8

var hyphenRuns = regexp.MustCompile(`-+`)

// BranchName derives a deterministic branch name for an issue:
// {prefix}{lowercased identifier}-{slugified title}. The slug is bounded
// and truncated at a word boundary when one exists. An empty slug degrades
// to {prefix}{identifier}. Pure function: same inputs, same output.
func BranchName(prefix, identifier, title string) string {
	if prefix == "" {
		prefix = DefaultBranchPrefix
	}
	id := strings.ToLower(strings.TrimSpace(identifier))
	slug := Slugify(title, maxSlugLen)
	if slug == "" {
		return prefix + id
	}
	return prefix + id + "-" + slug
}

// Slugify converts a title into a valid git branch name component:
// lowercase, ASCII letters/digits/hyphens only, runs of other characters
// collapsed to a single hyphen, trimmed, and truncated to maxLen preferring
// the last hyphen boundary.
func Slugify(title string, maxLen int) string {
	if title == "" {
		return ""
	}

	var sb strings.Builder
	for _, r := range strings.ToLower(title) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}

	result := hyphenRuns.ReplaceAllString(sb.String(), "-")
	result = strings.Trim(result, "-")

	if len(result) > maxLen {
		cut := result[:maxLen]
		// Prefer cutting at the last word boundary, unless that would
		// leave almost nothing.
		if idx := strings.LastIndex(cut, "-"); idx >= minSlugLen {
			cut = cut[:idx]
		}
		result = strings.TrimRight(cut, "-")
	}

	return result
}

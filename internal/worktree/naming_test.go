package worktree

import (
	"strings"
	"testing"
)

func TestBranchName(t *testing.T) {
	tests := []struct {
		name       string
		identifier string
		title      string
		want       string
	}{
		{
			name:       "simple title",
			identifier: "DEV-123",
			title:      "Fix login bug",
			want:       "claude/dev-123-fix-login-bug",
		},
		{
			name:       "identifier lowercased",
			identifier: "OPS-7",
			title:      "Rotate keys",
			want:       "claude/ops-7-rotate-keys",
		},
		{
			name:       "special characters collapse",
			identifier: "DEV-1",
			title:      "Fix: the (weird) bug!!",
			want:       "claude/dev-1-fix-the-weird-bug",
		},
		{
			name:       "empty title degrades to identifier",
			identifier: "DEV-9",
			title:      "",
			want:       "claude/dev-9",
		},
		{
			name:       "all-symbol title degrades to identifier",
			identifier: "DEV-9",
			title:      "!!! ???",
			want:       "claude/dev-9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BranchName("", tt.identifier, tt.title)
			if got != tt.want {
				t.Errorf("BranchName(%q, %q) = %q, want %q", tt.identifier, tt.title, got, tt.want)
			}
		})
	}
}

func TestBranchName_Deterministic(t *testing.T) {
	a := BranchName("claude/", "DEV-42", "Optimize the query planner for large joins")
	b := BranchName("claude/", "DEV-42", "Optimize the query planner for large joins")
	if a != b {
		t.Errorf("expected deterministic output, got %q and %q", a, b)
	}
}

func TestBranchName_CustomPrefix(t *testing.T) {
	got := BranchName("bot/", "DEV-5", "thing")
	if got != "bot/dev-5-thing" {
		t.Errorf("got %q", got)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		name   string
		title  string
		maxLen int
		want   string
	}{
		{"lowercase", "Hello World", 40, "hello-world"},
		{"unicode stripped", "héllo wörld", 40, "h-llo-w-rld"},
		{"leading trailing hyphens trimmed", "--hello--", 40, "hello"},
		{"runs collapsed", "a  ...  b", 40, "a-b"},
		{"empty", "", 40, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Slugify(tt.title, tt.maxLen)
			if got != tt.want {
				t.Errorf("Slugify(%q, %d) = %q, want %q", tt.title, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestSlugify_TruncatesAtWordBoundary(t *testing.T) {
	title := "implement the new authentication middleware layer"
	got := Slugify(title, 40)
	if len(got) > 40 {
		t.Fatalf("slug too long: %d chars (%q)", len(got), got)
	}
	if strings.HasSuffix(got, "-") {
		t.Errorf("slug has trailing hyphen: %q", got)
	}
	// The cut lands on a word boundary, not mid-word.
	full := "implement-the-new-authentication-middleware-layer"
	if !strings.HasPrefix(full, got) {
		t.Fatalf("unexpected slug %q", got)
	}
	if got != "implement-the-new-authentication" {
		t.Errorf("expected word-boundary cut, got %q", got)
	}
}

func TestSlugify_LongSingleWordCutsMidWord(t *testing.T) {
	got := Slugify(strings.Repeat("a", 60), 40)
	if len(got) != 40 {
		t.Errorf("expected hard cut at 40, got %d (%q)", len(got), got)
	}
}

package webhook

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Built-in trigger token sets. A YAML lexicon file can replace any of them;
// sections omitted from the file keep these defaults.
var (
	defaultMentions    = []string{"@claude", "@agent", "claude"}
	defaultVerbs       = []string{"implement", "fix", "analyze", "optimize", "test", "debug", "review", "refactor"}
	defaultHelpPhrases = []string{"help with", "work on", "check", "please"}
	defaultPerformance = []string{"slow", "memory", "cpu", "bottleneck", "optimize"}
)

// Lexicon is the set of tokens that make a comment a trigger.
type Lexicon struct {
	Mentions    []string `yaml:"mentions"`
	Verbs       []string `yaml:"verbs"`
	HelpPhrases []string `yaml:"help_phrases"`
	Performance []string `yaml:"performance"`

	matchers []tokenMatcher
}

type tokenMatcher struct {
	token string
	re    *regexp.Regexp
}

// DefaultLexicon returns the built-in token sets, compiled.
func DefaultLexicon() *Lexicon {
	l := &Lexicon{
		Mentions:    defaultMentions,
		Verbs:       defaultVerbs,
		HelpPhrases: defaultHelpPhrases,
		Performance: defaultPerformance,
	}
	l.compile()
	return l
}

// LoadLexicon reads a YAML rules file and merges it over the built-in sets.
// An empty path returns the defaults.
func LoadLexicon(path string) (*Lexicon, error) {
	if path == "" {
		return DefaultLexicon(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trigger rules file: %w", err)
	}

	var loaded Lexicon
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse trigger rules file %s: %w", path, err)
	}

	l := DefaultLexicon()
	if len(loaded.Mentions) > 0 {
		l.Mentions = loaded.Mentions
	}
	if len(loaded.Verbs) > 0 {
		l.Verbs = loaded.Verbs
	}
	if len(loaded.HelpPhrases) > 0 {
		l.HelpPhrases = loaded.HelpPhrases
	}
	if len(loaded.Performance) > 0 {
		l.Performance = loaded.Performance
	}
	l.compile()
	return l, nil
}

// compile builds one whole-word matcher per token, in the order the sets are
// consulted: mentions, verbs, help phrases, performance.
func (l *Lexicon) compile() {
	l.matchers = l.matchers[:0]
	for _, set := range [][]string{l.Mentions, l.Verbs, l.HelpPhrases, l.Performance} {
		for _, token := range set {
			l.matchers = append(l.matchers, tokenMatcher{
				token: token,
				re:    compileToken(token),
			})
		}
	}
}

// compileToken anchors a token at word boundaries. The boundary class keeps
// "@" out so "@claude" stays a whole word and a bare "claude" does not also
// claim it.
func compileToken(token string) *regexp.Regexp {
	quoted := regexp.QuoteMeta(strings.ToLower(token))
	return regexp.MustCompile(`(?i)(?:^|[^a-z0-9_@])` + quoted + `(?:[^a-z0-9_]|$)`)
}

// Match returns the first token the body contains, if any.
func (l *Lexicon) Match(body string) (string, bool) {
	for _, m := range l.matchers {
		if m.re.MatchString(body) {
			return m.token, true
		}
	}
	return "", false
}

package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// Config holds configuration for the worktree manager.
type Config struct {
	// RepositoryPath is the Git repository worktrees are created from.
	RepositoryPath string `mapstructure:"repository_path"`

	// BasePath is the base directory for worktree storage.
	// Supports ~ expansion for home directory.
	BasePath string `mapstructure:"base_path"`

	// BranchPrefix is the prefix used for session branch names.
	// Default: claude/
	BranchPrefix string `mapstructure:"branch_prefix"`
}

// DefaultBranchPrefix is used when no prefix is configured.
const DefaultBranchPrefix = "claude/"

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.RepositoryPath == "" {
		return fmt.Errorf("repository path is required")
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = DefaultBranchPrefix
	}
	if err := ValidateBranchPrefix(c.BranchPrefix); err != nil {
		return err
	}
	if c.BasePath == "" {
		c.BasePath = filepath.Join(c.RepositoryPath, ".agentbridge", "worktrees")
	}
	return nil
}

// ExpandedBasePath returns the base path with ~ expanded to the user's home directory.
func (c *Config) ExpandedBasePath() (string, error) {
	path := c.BasePath
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return filepath.Abs(path)
}

// WorktreePath returns the full path for a session's worktree.
func (c *Config) WorktreePath(sessionID string) (string, error) {
	basePath, err := c.ExpandedBasePath()
	if err != nil {
		return "", err
	}
	return filepath.Join(basePath, sessionID), nil
}

// ValidateBranchPrefix ensures a prefix contains only safe branch characters.
func ValidateBranchPrefix(prefix string) error {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return nil
	}
	for _, r := range trimmed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '/' || r == '-' || r == '_' || r == '.' {
			continue
		}
		return fmt.Errorf("invalid branch prefix")
	}
	if strings.Contains(trimmed, "..") || strings.Contains(trimmed, "@{") {
		return fmt.Errorf("invalid branch prefix")
	}
	return nil
}

package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets every deployment variable the loader binds so tests run
// hermetically regardless of the host environment.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LINEAR_API_TOKEN", "LINEAR_ORGANIZATION_ID", "CLAUDE_AGENT_USER_ID",
		"LINEAR_WEBHOOK_SECRET", "WEBHOOK_PORT", "SESSION_TIMEOUT_MINUTES",
		"MAX_CONCURRENT_SESSIONS", "SESSION_STORE_BACKEND", "PROJECT_ROOT_DIR",
		"DEFAULT_BRANCH", "CREATE_BRANCHES", "ENABLE_BOSS_AGENT",
		"BOSS_AGENT_THRESHOLD", "CODEGEN_API_URL", "NATS_URL",
		"PREVIEW_URL", "DEBUG",
	} {
		t.Setenv(key, "")
	}
	// Viper treats empty environment values as unset (AllowEmptyEnv is
	// off), so blanking a variable is equivalent to unsetting it while
	// keeping t.Setenv's automatic restore.
}

func validEnv(t *testing.T) {
	t.Helper()
	clearEnv(t)
	t.Setenv("LINEAR_API_TOKEN", "lin_api_test123")
	t.Setenv("PROJECT_ROOT_DIR", t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	validEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3005, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Sessions.TimeoutMinutes)
	assert.Equal(t, 16, cfg.Sessions.MaxConcurrent)
	assert.Equal(t, "file", cfg.Sessions.StoreBackend)
	assert.Equal(t, "main", cfg.Git.DefaultBranch)
	assert.True(t, cfg.Git.CreateBranches)
	assert.Equal(t, "claude/", cfg.Git.BranchPrefix)
	assert.False(t, cfg.Boss.Enabled)
	assert.Equal(t, 6, cfg.Boss.Threshold)
	assert.Equal(t, "local", cfg.Executor.Kind)
}

func TestLoadMissingToken(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROJECT_ROOT_DIR", t.TempDir())

	_, err := Load()
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Reason, "LINEAR_API_TOKEN")
}

func TestLoadMissingProjectRoot(t *testing.T) {
	clearEnv(t)
	t.Setenv("LINEAR_API_TOKEN", "lin_api_test123")

	_, err := Load()
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Reason, "projectRootDir")
}

func TestLoadNonexistentProjectRoot(t *testing.T) {
	clearEnv(t)
	t.Setenv("LINEAR_API_TOKEN", "lin_api_test123")
	t.Setenv("PROJECT_ROOT_DIR", "/nonexistent/path/for/tests")

	_, err := Load()
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Reason, "does not exist")
}

func TestLoadEnvOverrides(t *testing.T) {
	validEnv(t)
	t.Setenv("WEBHOOK_PORT", "8080")
	t.Setenv("SESSION_TIMEOUT_MINUTES", "45")
	t.Setenv("DEFAULT_BRANCH", "develop")
	t.Setenv("CREATE_BRANCHES", "false")
	t.Setenv("MAX_CONCURRENT_SESSIONS", "4")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 45, cfg.Sessions.TimeoutMinutes)
	assert.Equal(t, "develop", cfg.Git.DefaultBranch)
	assert.False(t, cfg.Git.CreateBranches)
	assert.Equal(t, 4, cfg.Sessions.MaxConcurrent)
}

func TestLoadPreviewPortHint(t *testing.T) {
	validEnv(t)
	t.Setenv("WEBHOOK_PORT", "3005")
	t.Setenv("PREVIEW_URL", "https://preview.example.dev")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadDebugForcesLogLevel(t *testing.T) {
	validEnv(t)
	t.Setenv("DEBUG", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadInvalidTimeout(t *testing.T) {
	validEnv(t)
	t.Setenv("SESSION_TIMEOUT_MINUTES", "0")

	_, err := Load()
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Reason, "timeoutMinutes")
}

func TestLoadBossValidation(t *testing.T) {
	validEnv(t)
	t.Setenv("ENABLE_BOSS_AGENT", "true")
	t.Setenv("BOSS_AGENT_THRESHOLD", "11")

	_, err := Load()
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Reason, "threshold")
}

func TestLoadBossValid(t *testing.T) {
	validEnv(t)
	t.Setenv("ENABLE_BOSS_AGENT", "true")
	t.Setenv("BOSS_AGENT_THRESHOLD", "7")
	t.Setenv("CODEGEN_API_URL", "https://codegen.example.com/api")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Boss.Enabled)
	assert.Equal(t, 7, cfg.Boss.Threshold)
	assert.Equal(t, "https://codegen.example.com/api", cfg.Boss.CodegenURL)
}

func TestDerivedPaths(t *testing.T) {
	validEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Contains(t, cfg.Sessions.StoreDir, ".agentbridge")
	assert.Contains(t, cfg.Git.WorktreeBaseDir, "worktrees")
}

func TestSanitizedHidesSecrets(t *testing.T) {
	validEnv(t)
	t.Setenv("LINEAR_WEBHOOK_SECRET", "whsec_secret")

	cfg, err := Load()
	require.NoError(t, err)

	out := cfg.Sanitized()
	assert.Equal(t, true, out["webhookSecretSet"])
	for k, v := range out {
		if s, ok := v.(string); ok {
			assert.NotContains(t, s, "lin_api_test123", "field %s leaked the API token", k)
			assert.NotContains(t, s, "whsec_secret", "field %s leaked the webhook secret", k)
		}
	}
}

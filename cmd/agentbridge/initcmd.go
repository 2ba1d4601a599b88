package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a template config.yaml and .env.example in the current directory",
	RunE:  runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite existing files")
}

const configTemplate = `# agentbridge configuration.
# Secrets are better supplied via environment variables, see .env.example.

linear:
  apiToken: ""            # LINEAR_API_TOKEN
  organizationId: ""      # LINEAR_ORGANIZATION_ID; empty accepts any workspace
  agentUserId: ""         # auto-discovered from the API token when empty
  webhookSecret: ""       # LINEAR_WEBHOOK_SECRET; empty skips signature checks
  apiUrl: "https://api.linear.app/graphql"

server:
  host: "0.0.0.0"
  port: 3005
  readTimeout: 30
  writeTimeout: 30
  allowedOrigins:
    - "http://localhost:3000"
    - "http://localhost:5173"

sessions:
  timeoutMinutes: 30
  maxConcurrent: 16
  cleanupMaxAgeDays: 7
  storeBackend: "file"    # file, memory, sqlite, postgres

git:
  projectRootDir: ""      # repository the agent works in; defaults to cwd
  defaultBranch: "main"
  createBranches: true
  branchPrefix: "claude/"

boss:
  enabled: false
  threshold: 6
  taskTypes: ["feature", "refactor", "perf"]
  codegenUrl: ""
  codegenToken: ""
  codegenWebhookSecret: ""

executor:
  kind: "local"           # local or docker
  command: "claude"
  args: ["-p", "{prompt}", "--output-format", "json"]

events:
  natsUrl: ""             # empty uses the in-process bus

logging:
  level: "info"
  format: "console"       # console or json
  outputPath: "stdout"

triggers:
  rulesPath: ""           # optional YAML trigger lexicon
`

const envTemplate = `# agentbridge environment overrides. Copy to .env and fill in.

LINEAR_API_TOKEN=
LINEAR_ORGANIZATION_ID=
LINEAR_WEBHOOK_SECRET=
# CLAUDE_AGENT_USER_ID=

# WEBHOOK_PORT=3005
# SESSION_TIMEOUT_MINUTES=30
# MAX_CONCURRENT_SESSIONS=16
# SESSION_STORE_BACKEND=file
# SESSION_STORE_POSTGRES_DSN=

# PROJECT_ROOT_DIR=
# DEFAULT_BRANCH=main
# CREATE_BRANCHES=true

# ENABLE_BOSS_AGENT=false
# BOSS_AGENT_THRESHOLD=6
# CODEGEN_API_URL=
# CODEGEN_API_TOKEN=
# CODEGEN_WEBHOOK_SECRET=

# NATS_URL=nats://localhost:4222
`

func runInit(cmd *cobra.Command, _ []string) error {
	files := map[string]string{
		"config.yaml":  configTemplate,
		".env.example": envTemplate,
	}

	for name, content := range files {
		if !initForce {
			if _, err := os.Stat(name); err == nil {
				return fmt.Errorf("%s already exists, use --force to overwrite", name)
			}
		}
		if err := os.WriteFile(name, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", name)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Edit config.yaml (or .env) and run `agentbridge start`.")
	return nil
}

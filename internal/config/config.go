// Package config resolves the engine's environment-driven settings. The
// core consumes exactly four variables: ASSISTANT_COMMAND, DATABASE_URL,
// DEFAULT_WORKSPACE_ROOT, and ISOLATED_SUBDIR.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Config is the resolved engine configuration
type Config struct {
	// AssistantCommand is the executable name or path of the external
	// assistant CLI
	AssistantCommand string

	// DatabaseURL is handed through to the persistence gateway untouched.
	// Empty selects the in-memory store.
	DatabaseURL string

	// DefaultWorkspaceRoot is the repository root used when a task does
	// not name one
	DefaultWorkspaceRoot string

	// IsolatedSubdir is the directory under each repository root that
	// holds per-task worktrees
	IsolatedSubdir string
}

// FromEnv loads the configuration from the environment. A .env file in
// the working directory is folded in first when present; real environment
// variables win.
func FromEnv() *Config {
	_ = godotenv.Load()

	return &Config{
		AssistantCommand:     envOr("ASSISTANT_COMMAND", "assistant"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		DefaultWorkspaceRoot: os.Getenv("DEFAULT_WORKSPACE_ROOT"),
		IsolatedSubdir:       envOr("ISOLATED_SUBDIR", ".isolated"),
	}
}

// Validate checks the configuration and returns actionable messages
func (c *Config) Validate() error {
	if c.AssistantCommand == "" {
		return fmt.Errorf("configuration error: ASSISTANT_COMMAND is empty\n\nHint: set it to the assistant executable, e.g.\n  ASSISTANT_COMMAND=assistant")
	}
	if c.DefaultWorkspaceRoot != "" {
		info, err := os.Stat(c.DefaultWorkspaceRoot)
		if err != nil {
			return fmt.Errorf("configuration error: DEFAULT_WORKSPACE_ROOT %q: %v\n\nHint: point it at an existing repository root", c.DefaultWorkspaceRoot, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("configuration error: DEFAULT_WORKSPACE_ROOT %q is not a directory", c.DefaultWorkspaceRoot)
		}
	}
	if filepath.IsAbs(c.IsolatedSubdir) {
		return fmt.Errorf("configuration error: ISOLATED_SUBDIR %q must be relative\n\nHint: it nests under each repository root, e.g.\n  ISOLATED_SUBDIR=.isolated", c.IsolatedSubdir)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

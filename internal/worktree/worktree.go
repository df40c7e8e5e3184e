// Package worktree provides isolated per-task checkouts of a git
// repository so concurrent tasks on the same repo never see each other's
// in-progress changes.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/phillipcheng/claude-task-automation-server/internal/taskerr"
	"github.com/phillipcheng/claude-task-automation-server/internal/taskmodel"
)

// DefaultIsolatedSubdir is the directory under the repository root that
// holds per-task working trees
const DefaultIsolatedSubdir = ".isolated"

const gitTimeout = 30 * time.Second

// ActiveChecker reports whether another active task already owns a
// writable checkout of (rootPath, branch). The control layer backs this
// with the task store.
type ActiveChecker interface {
	BranchInUse(ctx context.Context, rootPath, branch string) (bool, error)
}

// Provisioned describes one isolated checkout created for a task
type Provisioned struct {
	Path       string
	Branch     string
	BaseBranch string
}

// Manager creates and reclaims isolated worktrees
type Manager struct {
	isolatedSubdir string
	active         ActiveChecker
	logger         *slog.Logger
}

// NewManager creates a worktree manager. isolatedSubdir defaults to
// DefaultIsolatedSubdir when empty.
func NewManager(isolatedSubdir string, active ActiveChecker, logger *slog.Logger) *Manager {
	if isolatedSubdir == "" {
		isolatedSubdir = DefaultIsolatedSubdir
	}
	return &Manager{
		isolatedSubdir: isolatedSubdir,
		active:         active,
		logger:         logger,
	}
}

// PathFor returns where a task's isolated checkout of rootPath lives,
// whether or not it currently exists
func (m *Manager) PathFor(rootPath, taskName string) string {
	return filepath.Join(rootPath, m.isolatedSubdir, Slug(taskName))
}

// Slug sanitizes a task name for use as a directory and branch component
func Slug(taskName string) string {
	s := strings.TrimSpace(taskName)
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}

// Provision creates an isolated working tree for the task inside rootPath.
// The branch defaults to task/<slug> and is created from baseBranch when it
// does not exist yet. A branch already checked out elsewhere fails with
// taskerr.ErrBranchInUse.
func (m *Manager) Provision(ctx context.Context, taskName, rootPath, baseBranch, branch string) (*Provisioned, error) {
	if !m.isGitRepo(ctx, rootPath) {
		return nil, fmt.Errorf("%s is not a git repository: %w", rootPath, taskerr.ErrValidation)
	}

	slug := Slug(taskName)
	if branch == "" {
		branch = "task/" + slug
	}
	if baseBranch == "" {
		baseBranch = m.currentBranch(ctx, rootPath)
	}

	inUse, err := m.active.BranchInUse(ctx, rootPath, branch)
	if err != nil {
		return nil, err
	}
	if inUse {
		return nil, fmt.Errorf("branch %q of %s is held by an active task: %w", branch, rootPath, taskerr.ErrBranchInUse)
	}

	if !m.SupportsWorktrees(ctx) {
		// Old git: fall back to the main checkout. Only one writable task
		// may hold it, which BranchInUse already enforced for this branch;
		// an empty branch key marks the shared checkout itself.
		shared, err := m.active.BranchInUse(ctx, rootPath, "")
		if err != nil {
			return nil, err
		}
		if shared {
			return nil, fmt.Errorf("main checkout of %s is held by an active task: %w", rootPath, taskerr.ErrBranchInUse)
		}
		m.logger.Warn("git too old for worktrees, reusing repository root", "root", rootPath)
		return &Provisioned{Path: rootPath, Branch: branch, BaseBranch: baseBranch}, nil
	}

	path := filepath.Join(rootPath, m.isolatedSubdir, slug)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("worktree already exists at %s: %w", path, taskerr.ErrBranchInUse)
	}
	if err := os.MkdirAll(filepath.Join(rootPath, m.isolatedSubdir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create isolated dir: %w", err)
	}

	addErr := m.addWorktree(ctx, rootPath, path, branch, baseBranch)
	if addErr != nil {
		// transient filesystem/VCS errors get one retry
		if errors.Is(addErr, taskerr.ErrBranchInUse) {
			return nil, addErr
		}
		m.logger.Warn("worktree add failed, retrying once", "path", path, "error", addErr)
		if addErr = m.addWorktree(ctx, rootPath, path, branch, baseBranch); addErr != nil {
			return nil, addErr
		}
	}

	m.logger.Info("provisioned worktree", "task", taskName, "path", path, "branch", branch, "base", baseBranch)
	return &Provisioned{Path: path, Branch: branch, BaseBranch: baseBranch}, nil
}

// MultiProvision provisions isolated checkouts for every write-access
// project. Read-only projects are referenced in place. On any failure the
// checkouts created so far are reclaimed, so creation is all-or-nothing.
func (m *Manager) MultiProvision(ctx context.Context, taskName, baseBranch string, projects []taskmodel.ProjectRef) (map[string]*Provisioned, error) {
	out := make(map[string]*Provisioned)
	for _, proj := range projects {
		if proj.Access != taskmodel.AccessWrite {
			continue
		}
		prov, err := m.Provision(ctx, taskName, proj.Path, baseBranch, "")
		if err != nil {
			for root, done := range out {
				rmErr := m.Reclaim(ctx, root, done.Path, done.Branch, done.BaseBranch)
				if rmErr != nil {
					m.logger.Error("failed to roll back worktree", "path", done.Path, "error", rmErr)
				}
			}
			return nil, fmt.Errorf("failed to provision %s: %w", proj.Path, err)
		}
		out[proj.Path] = prov
	}
	return out, nil
}

// Reclaim commits any pending changes on the task branch, then removes the
// working tree and deletes the branch. A failed commit leaves the
// workspace intact and fails with taskerr.ErrReclaimBlocked.
func (m *Manager) Reclaim(ctx context.Context, rootPath, worktreePath, branch, defaultBranch string) error {
	if worktreePath == "" {
		return nil
	}
	if worktreePath == rootPath {
		// fallback mode reused the main checkout; nothing to remove
		return m.commitPending(ctx, worktreePath, branch)
	}
	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		return nil
	}

	if err := m.commitPending(ctx, worktreePath, branch); err != nil {
		return err
	}

	if _, _, err := m.git(ctx, rootPath, "worktree", "remove", worktreePath); err != nil {
		m.logger.Warn("worktree remove failed, forcing", "path", worktreePath, "error", err)
		if _, _, err := m.git(ctx, rootPath, "worktree", "remove", "--force", worktreePath); err != nil {
			if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
				return fmt.Errorf("failed to remove worktree %s: %w", worktreePath, err)
			}
			_, _, _ = m.git(ctx, rootPath, "worktree", "prune")
		}
	}

	if branch != "" && branch != defaultBranch {
		if _, stderr, err := m.git(ctx, rootPath, "branch", "-D", branch); err != nil {
			m.logger.Warn("failed to delete task branch", "branch", branch, "stderr", stderr)
		}
	}

	m.logger.Info("reclaimed worktree", "path", worktreePath, "branch", branch)
	return nil
}

// Info describes one working tree attached to a repository
type Info struct {
	Path   string
	Branch string
	Commit string
}

// List enumerates the repository's working trees, the main checkout
// included
func (m *Manager) List(ctx context.Context, rootPath string) ([]Info, error) {
	out, stderr, err := m.git(ctx, rootPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %s: %w", strings.TrimSpace(stderr), err)
	}

	var infos []Info
	var current Info
	flush := func() {
		if current.Path != "" {
			infos = append(infos, current)
			current = Info{}
		}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case strings.HasPrefix(line, "HEAD "):
			current.Commit = strings.TrimPrefix(line, "HEAD ")
		}
	}
	flush()
	return infos, nil
}

// Prune drops stale worktree registrations whose directories are gone
// (left behind by crashes or manual rm -rf)
func (m *Manager) Prune(ctx context.Context, rootPath string) error {
	if _, stderr, err := m.git(ctx, rootPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %s: %w", strings.TrimSpace(stderr), err)
	}
	return nil
}

// SupportsWorktrees probes whether the installed git can manage multiple
// working trees (introduced in 2.5)
func (m *Manager) SupportsWorktrees(ctx context.Context) bool {
	out, _, err := m.gitNoDir(ctx, "--version")
	if err != nil {
		return false
	}
	fields := strings.Fields(out)
	if len(fields) < 3 {
		return false
	}
	parts := strings.Split(fields[2], ".")
	if len(parts) < 2 {
		return false
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return false
	}
	return major > 2 || (major == 2 && minor >= 5)
}

func (m *Manager) addWorktree(ctx context.Context, rootPath, path, branch, baseBranch string) error {
	start := baseBranch
	if start == "" {
		start = "HEAD"
	}
	_, stderr, err := m.git(ctx, rootPath, "worktree", "add", "-b", branch, path, start)
	if err == nil {
		return nil
	}
	if isBranchInUse(stderr) {
		return fmt.Errorf("branch %q: %s: %w", branch, strings.TrimSpace(stderr), taskerr.ErrBranchInUse)
	}

	// the branch may already exist; attach to it instead of creating
	_, stderr, err = m.git(ctx, rootPath, "worktree", "add", path, branch)
	if err == nil {
		return nil
	}
	if isBranchInUse(stderr) {
		return fmt.Errorf("branch %q: %s: %w", branch, strings.TrimSpace(stderr), taskerr.ErrBranchInUse)
	}
	return fmt.Errorf("failed to add worktree: %s: %w", strings.TrimSpace(stderr), err)
}

// commitPending stages and commits a dirty working copy. Clean trees are a
// no-op.
func (m *Manager) commitPending(ctx context.Context, worktreePath, branch string) error {
	status, _, err := m.git(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("failed to read worktree status: %v: %w", err, taskerr.ErrReclaimBlocked)
	}
	if strings.TrimSpace(status) == "" {
		return nil
	}

	if _, stderr, err := m.git(ctx, worktreePath, "add", "-A"); err != nil {
		return fmt.Errorf("failed to stage changes: %s: %w", strings.TrimSpace(stderr), taskerr.ErrReclaimBlocked)
	}
	msg := fmt.Sprintf("Auto-commit pending changes on %s before workspace reclaim", branch)
	if _, stderr, err := m.git(ctx, worktreePath, "commit", "-m", msg); err != nil {
		return fmt.Errorf("failed to commit changes: %s: %w", strings.TrimSpace(stderr), taskerr.ErrReclaimBlocked)
	}
	return nil
}

func (m *Manager) isGitRepo(ctx context.Context, path string) bool {
	_, _, err := m.git(ctx, path, "rev-parse", "--git-dir")
	return err == nil
}

func (m *Manager) currentBranch(ctx context.Context, path string) string {
	out, _, err := m.git(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "main"
	}
	return strings.TrimSpace(out)
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.String(), errBuf.String(), err
}

func (m *Manager) gitNoDir(ctx context.Context, args ...string) (string, string, error) {
	return m.git(ctx, "", args...)
}

func isBranchInUse(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "already checked out") || strings.Contains(s, "already used by worktree")
}

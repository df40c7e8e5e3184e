package worktree

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phillipcheng/claude-task-automation-server/internal/taskerr"
	"github.com/phillipcheng/claude-task-automation-server/internal/taskmodel"
)

type staticChecker struct {
	inUse bool
}

func (c staticChecker) BranchInUse(ctx context.Context, rootPath, branch string) (bool, error) {
	return c.inUse, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

// initRepo creates a git repository with one commit on the default branch
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", "README.md")
	run("commit", "-m", "initial commit")
	return dir
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "fix_auth_bug", Slug("fix auth/bug"))
	assert.Equal(t, "plain", Slug(" plain "))
}

func TestPathFor(t *testing.T) {
	m := NewManager("", staticChecker{}, testLogger())
	assert.Equal(t, filepath.Join("/repo", ".isolated", "my_task"), m.PathFor("/repo", "my task"))
}

func TestProvisionCreatesWorktreeOnNewBranch(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	m := NewManager("", staticChecker{}, testLogger())

	prov, err := m.Provision(context.Background(), "my task", repo, "main", "")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(repo, ".isolated", "my_task"), prov.Path)
	assert.Equal(t, "task/my_task", prov.Branch)
	assert.DirExists(t, prov.Path)
	assert.FileExists(t, filepath.Join(prov.Path, "README.md"))
}

func TestProvisionFailsWhenBranchCheckedOutElsewhere(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	m := NewManager("", staticChecker{}, testLogger())

	_, err := m.Provision(context.Background(), "first", repo, "main", "feat")
	require.NoError(t, err)

	// same branch, different task directory: git refuses the checkout
	_, err = m.Provision(context.Background(), "second", repo, "main", "feat")
	assert.ErrorIs(t, err, taskerr.ErrBranchInUse)
}

func TestProvisionFailsWhenRegistryReportsCollision(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	m := NewManager("", staticChecker{inUse: true}, testLogger())

	_, err := m.Provision(context.Background(), "task", repo, "main", "feat")
	assert.ErrorIs(t, err, taskerr.ErrBranchInUse)
}

func TestProvisionRejectsNonRepo(t *testing.T) {
	requireGit(t)
	m := NewManager("", staticChecker{}, testLogger())

	_, err := m.Provision(context.Background(), "task", t.TempDir(), "main", "")
	assert.ErrorIs(t, err, taskerr.ErrValidation)
}

func TestReclaimCommitsPendingChangesAndRemoves(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	m := NewManager("", staticChecker{}, testLogger())
	ctx := context.Background()

	prov, err := m.Provision(ctx, "task", repo, "main", "")
	require.NoError(t, err)

	// dirty the worktree; reclaim must commit before removing
	require.NoError(t, os.WriteFile(filepath.Join(prov.Path, "new.txt"), []byte("work\n"), 0o644))

	require.NoError(t, m.Reclaim(ctx, repo, prov.Path, prov.Branch, "main"))
	assert.NoDirExists(t, prov.Path)

	// the commit landed on the task branch before it was deleted; the
	// reflog-free check is that the repo has no dangling dirty state
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = repo
	out, err := cmd.Output()
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(string(out)))
}

func TestReclaimCleanWorktree(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	m := NewManager("", staticChecker{}, testLogger())
	ctx := context.Background()

	prov, err := m.Provision(ctx, "task", repo, "main", "")
	require.NoError(t, err)

	require.NoError(t, m.Reclaim(ctx, repo, prov.Path, prov.Branch, "main"))
	assert.NoDirExists(t, prov.Path)

	// branch removal only happens off the default branch, which this was
	cmd := exec.Command("git", "branch", "--list", prov.Branch)
	cmd.Dir = repo
	out, err := cmd.Output()
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(string(out)))
}

func TestReclaimMissingWorktreeIsNoOp(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	m := NewManager("", staticChecker{}, testLogger())

	err := m.Reclaim(context.Background(), repo, filepath.Join(repo, ".isolated", "gone"), "task/gone", "main")
	assert.NoError(t, err)
}

func TestMultiProvisionSkipsReadOnlyProjects(t *testing.T) {
	requireGit(t)
	writeRepo := initRepo(t)
	readRepo := initRepo(t)
	m := NewManager("", staticChecker{}, testLogger())

	provs, err := m.MultiProvision(context.Background(), "multi", "main", []taskmodel.ProjectRef{
		{Path: writeRepo, Access: taskmodel.AccessWrite},
		{Path: readRepo, Access: taskmodel.AccessRead},
	})
	require.NoError(t, err)

	require.Len(t, provs, 1)
	require.Contains(t, provs, writeRepo)
	assert.NoDirExists(t, filepath.Join(readRepo, ".isolated", "multi"))
}

func TestListIncludesProvisionedWorktrees(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	m := NewManager("", staticChecker{}, testLogger())
	ctx := context.Background()

	_, err := m.Provision(ctx, "alpha", repo, "main", "")
	require.NoError(t, err)
	_, err = m.Provision(ctx, "beta", repo, "main", "")
	require.NoError(t, err)

	infos, err := m.List(ctx, repo)
	require.NoError(t, err)
	require.Len(t, infos, 3) // main checkout + two tasks

	branches := make(map[string]bool)
	for _, info := range infos {
		branches[info.Branch] = true
	}
	assert.True(t, branches["task/alpha"])
	assert.True(t, branches["task/beta"])
}

func TestPruneDropsStaleRegistration(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	m := NewManager("", staticChecker{}, testLogger())
	ctx := context.Background()

	prov, err := m.Provision(ctx, "stale", repo, "main", "")
	require.NoError(t, err)

	// simulate a crash leaving the directory gone but the registration behind
	require.NoError(t, os.RemoveAll(prov.Path))
	require.NoError(t, m.Prune(ctx, repo))

	infos, err := m.List(ctx, repo)
	require.NoError(t, err)
	for _, info := range infos {
		assert.NotEqual(t, prov.Path, info.Path)
	}
}

func TestSupportsWorktrees(t *testing.T) {
	requireGit(t)
	m := NewManager("", staticChecker{}, testLogger())
	// any git new enough to be installed today supports worktrees
	assert.True(t, m.SupportsWorktrees(context.Background()))
}

package gitdiff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var (
	// A ref or repository could not be fetched or resolved.
	ErrSourceUnavailable = errors.New("source ref unavailable")
	// A ref name resolves to more than one object on the remote.
	ErrAmbiguousRef = errors.New("ambiguous ref")
)

// One side of a pull request as the resolver needs it.
type Ref struct {
	// Clone URL of the repository holding the ref.
	URL string
	// Branch name without the refs/heads/ prefix.
	Name string
	// The commit the webhook event names for this side.
	SHA string
}

// Resolver produces the list of file paths that differ between the
// base and head of a pull request. The pipeline depends only on this
// contract, not on any particular mechanism.
type Resolver interface {
	Resolve(ctx context.Context, base, head Ref) ([]string, error)
}

// GitResolver materializes both refs into an ephemeral local object
// store and diffs the two commits by path. The working area is
// exclusive to one call and removed on every exit path.
type GitResolver struct {
	// Parent directory for the per-call working areas. Empty means the
	// system temp directory.
	WorkDir string
	// History depth fetched per ref, 0 fetches everything.
	Depth int
}

const headRemoteName = "head"

func (r *GitResolver) Resolve(ctx context.Context, base, head Ref) ([]string, error) {
	// Identical commits cannot differ, skip the clone entirely.
	if base.SHA == head.SHA {
		return nil, nil
	}

	dir, err := os.MkdirTemp(r.WorkDir, "github-autorun-diff-")
	if err != nil {
		return nil, fmt.Errorf("failed to create working area: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			slog.Error("Failed to remove diff working area", slog.String("dir", dir), slog.String("err", err.Error()))
		}
	}()

	repo, err := git.PlainCloneContext(ctx, dir, true, &git.CloneOptions{
		URL:           base.URL,
		ReferenceName: plumbing.NewBranchReferenceName(base.Name),
		SingleBranch:  true,
		Depth:         r.Depth,
		Tags:          git.NoTags,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to clone base '%s' from '%s': %v", ErrSourceUnavailable, base.Name, base.URL, err)
	}

	if err := r.fetchHead(ctx, repo, head); err != nil {
		return nil, err
	}

	// The diff must come from exactly the commits the event named. A
	// branch tip that has moved on, force-push included, is a different
	// commit and never a substitute.
	baseCommit, err := repo.CommitObject(plumbing.NewHash(base.SHA))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to resolve base commit '%s': %v", ErrSourceUnavailable, base.SHA, err)
	}
	headCommit, err := repo.CommitObject(plumbing.NewHash(head.SHA))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to resolve head commit '%s': %v", ErrSourceUnavailable, head.SHA, err)
	}

	return changedPaths(ctx, baseCommit, headCommit)
}

// Register the head repository as a second remote and fetch its branch
// into the shared object store.
func (r *GitResolver) fetchHead(ctx context.Context, repo *git.Repository, head Ref) error {
	remote, err := repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: headRemoteName,
		URLs: []string{head.URL},
	})
	if err != nil {
		return fmt.Errorf("failed to register head remote '%s': %w", head.URL, err)
	}

	advertised, err := remote.ListContext(ctx, &git.ListOptions{})
	if err != nil {
		return fmt.Errorf("%w: failed to list refs of '%s': %v", ErrSourceUnavailable, head.URL, err)
	}

	branchRef := plumbing.NewBranchReferenceName(head.Name)
	tagRef := plumbing.NewTagReferenceName(head.Name)
	targets := make(map[plumbing.Hash]bool)
	for _, ref := range advertised {
		if ref.Name() == branchRef || ref.Name() == tagRef {
			targets[ref.Hash()] = true
		}
	}
	if len(targets) == 0 {
		return fmt.Errorf("%w: ref '%s' does not exist on '%s'", ErrSourceUnavailable, head.Name, head.URL)
	}
	if len(targets) > 1 {
		return fmt.Errorf("%w: '%s' names both a branch and a tag on '%s'", ErrAmbiguousRef, head.Name, head.URL)
	}

	refspec := gitconfig.RefSpec(fmt.Sprintf("+%s:%s", branchRef, plumbing.NewRemoteReferenceName(headRemoteName, head.Name)))
	err = remote.FetchContext(ctx, &git.FetchOptions{
		RefSpecs: []gitconfig.RefSpec{refspec},
		Depth:    r.Depth,
		Tags:     git.NoTags,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("%w: failed to fetch '%s' from '%s': %v", ErrSourceUnavailable, head.Name, head.URL, err)
	}
	return nil
}

// The path-level difference between the two commits, sorted and
// deduplicated. Renames count both sides.
func changedPaths(ctx context.Context, base, head *object.Commit) ([]string, error) {
	baseTree, err := base.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read base tree: %w", err)
	}
	headTree, err := head.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read head tree: %w", err)
	}

	changes, err := object.DiffTreeWithOptions(ctx, baseTree, headTree, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to diff trees: %w", err)
	}

	seen := make(map[string]bool)
	for _, change := range changes {
		for _, name := range []string{change.From.Name, change.To.Name} {
			if name != "" {
				seen[name] = true
			}
		}
	}

	paths := make([]string, 0, len(seen))
	for path := range seen {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}

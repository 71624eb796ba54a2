// Package git wraps go-git for repository lifecycle and exploration.
package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	"github.com/lightspeed-dms/cidx/internal/errs"
)

// ErrBranchNotFound indicates the requested branch was not found.
var ErrBranchNotFound = errors.New("branch not found")

// ChangeKind classifies one entry of a changed-file set.
type ChangeKind string

// Change kinds.
const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeRenamed  ChangeKind = "renamed"
)

// Change is one file-level difference between two commits.
type Change struct {
	Path    string
	OldPath string
	Kind    ChangeKind
	BlobSHA string
}

// Adapter performs git operations on local clones.
type Adapter struct {
	logger *slog.Logger
}

// NewAdapter creates a git adapter.
func NewAdapter(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{logger: logger}
}

// Clone clones remoteURL at the given branch into localPath. An existing
// directory at the path is replaced.
func (a *Adapter) Clone(ctx context.Context, remoteURL, branch, localPath string) error {
	if _, err := os.Stat(localPath); err == nil {
		a.logger.Warn("removing existing clone directory", slog.String("path", localPath))
		if err := os.RemoveAll(localPath); err != nil {
			return fmt.Errorf("remove existing directory: %w", err)
		}
	}

	opts := &gogit.CloneOptions{URL: remoteURL}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
		opts.SingleBranch = true
	}

	if _, err := gogit.PlainCloneContext(ctx, localPath, false, opts); err != nil {
		_ = os.RemoveAll(localPath)
		return errs.Wrap(errs.KindExternal, fmt.Sprintf("clone %s", remoteURL), err)
	}
	return nil
}

// FetchReset fetches origin and hard-resets the working tree to
// origin/<branch>. Returns the resulting HEAD SHA.
func (a *Adapter) FetchReset(ctx context.Context, localPath, branch string) (string, error) {
	repo, err := gogit.PlainOpen(localPath)
	if err != nil {
		return "", fmt.Errorf("open repository: %w", err)
	}

	err = repo.FetchContext(ctx, &gogit.FetchOptions{RemoteName: "origin", Force: true, Tags: gogit.AllTags})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return "", errs.Wrap(errs.KindExternal, "fetch origin", err)
	}

	ref, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return "", fmt.Errorf("%w: origin/%s", ErrBranchNotFound, branch)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("get worktree: %w", err)
	}
	if err := worktree.Reset(&gogit.ResetOptions{
		Mode:   gogit.HardReset,
		Commit: ref.Hash(),
	}); err != nil {
		return "", fmt.Errorf("reset to origin/%s: %w", branch, err)
	}

	return ref.Hash().String(), nil
}

// HeadSHA returns the current HEAD commit SHA.
func (a *Adapter) HeadSHA(localPath string) (string, error) {
	repo, err := gogit.PlainOpen(localPath)
	if err != nil {
		return "", fmt.Errorf("open repository: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// ChangedFiles computes the file-level change set between two commits.
// An empty fromSHA means "everything in toSHA is added" (initial index).
func (a *Adapter) ChangedFiles(ctx context.Context, localPath, fromSHA, toSHA string) ([]Change, error) {
	repo, err := gogit.PlainOpen(localPath)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	toCommit, err := repo.CommitObject(plumbing.NewHash(toSHA))
	if err != nil {
		return nil, fmt.Errorf("resolve commit %s: %w", toSHA, err)
	}
	toTree, err := toCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("read tree %s: %w", toSHA, err)
	}

	if fromSHA == "" {
		return allFilesAsAdded(toTree)
	}

	fromCommit, err := repo.CommitObject(plumbing.NewHash(fromSHA))
	if err != nil {
		// The previously indexed commit may be gone after a force push.
		a.logger.Warn("last indexed commit unreachable, treating as full change set",
			slog.String("sha", fromSHA))
		return allFilesAsAdded(toTree)
	}
	fromTree, err := fromCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("read tree %s: %w", fromSHA, err)
	}

	diffs, err := object.DiffTreeWithOptions(ctx, fromTree, toTree, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}

	changes := make([]Change, 0, len(diffs))
	for _, d := range diffs {
		change, err := classifyChange(d)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	return changes, nil
}

func classifyChange(d *object.Change) (Change, error) {
	action, err := d.Action()
	if err != nil {
		return Change{}, fmt.Errorf("classify change: %w", err)
	}
	switch action {
	case merkletrie.Insert:
		return Change{Path: d.To.Name, Kind: ChangeAdded, BlobSHA: d.To.TreeEntry.Hash.String()}, nil
	case merkletrie.Delete:
		return Change{Path: d.From.Name, Kind: ChangeDeleted}, nil
	default:
		change := Change{Path: d.To.Name, Kind: ChangeModified, BlobSHA: d.To.TreeEntry.Hash.String()}
		if d.From.Name != d.To.Name {
			change.Kind = ChangeRenamed
			change.OldPath = d.From.Name
		}
		return change, nil
	}
}

func allFilesAsAdded(tree *object.Tree) ([]Change, error) {
	var changes []Change
	err := tree.Files().ForEach(func(f *object.File) error {
		changes = append(changes, Change{
			Path:    f.Name,
			Kind:    ChangeAdded,
			BlobSHA: f.Hash.String(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk tree: %w", err)
	}
	return changes, nil
}

// BlobContent reads a blob's content by SHA from the repository object
// store. This is the second tier of content retrieval for clean files.
func (a *Adapter) BlobContent(localPath, blobSHA string) (string, error) {
	repo, err := gogit.PlainOpen(localPath)
	if err != nil {
		return "", fmt.Errorf("open repository: %w", err)
	}
	blob, err := repo.BlobObject(plumbing.NewHash(blobSHA))
	if err != nil {
		return "", errs.Newf(errs.KindNotFound, "git blob %s not found", blobSHA)
	}
	reader, err := blob.Reader()
	if err != nil {
		return "", fmt.Errorf("open blob reader: %w", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read blob: %w", err)
	}
	return string(data), nil
}

// BlobSHAForFile returns the blob SHA for path at HEAD, or "" when the
// file is not tracked (dirty or non-git content).
func (a *Adapter) BlobSHAForFile(localPath, path string) (string, error) {
	repo, err := gogit.PlainOpen(localPath)
	if err != nil {
		return "", fmt.Errorf("open repository: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", nil
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return "", fmt.Errorf("resolve HEAD commit: %w", err)
	}
	file, err := commit.File(path)
	if err != nil {
		return "", nil
	}
	return file.Hash.String(), nil
}

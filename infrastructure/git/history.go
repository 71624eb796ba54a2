package git

import (
	"context"
	"fmt"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	"github.com/lightspeed-dms/cidx/domain/temporal"
)

// maxHunkBytes caps the diff text stored per file so huge generated
// files do not blow up the temporal index.
const maxHunkBytes = 16 * 1024

// CommitsSince walks history from HEAD back to (but excluding) sinceSHA
// and extracts per-file diffs for temporal indexing. Commits are
// returned oldest first. An empty sinceSHA walks the full history.
func (a *Adapter) CommitsSince(ctx context.Context, localPath, sinceSHA string) ([]temporal.Commit, error) {
	repo, err := gogit.PlainOpen(localPath)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	iter, err := repo.Log(&gogit.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("walk log: %w", err)
	}
	defer iter.Close()

	var commits []temporal.Commit
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if sinceSHA != "" && c.Hash.String() == sinceSHA {
			return storerStop
		}
		tc, err := extractCommit(c)
		if err != nil {
			// Skip commits whose trees cannot be read rather than
			// failing the whole refresh.
			a.logger.Warn("skipping unreadable commit", "sha", c.Hash.String(), "error", err)
			return nil
		}
		commits = append(commits, tc)
		return nil
	})
	if err != nil && err != storerStop {
		return nil, fmt.Errorf("walk log: %w", err)
	}

	// Reverse into chronological order so the index grows forward.
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}
	return commits, nil
}

func extractCommit(c *object.Commit) (temporal.Commit, error) {
	tc := temporal.Commit{
		SHA:       c.Hash.String(),
		Author:    c.Author.Name,
		Timestamp: c.Author.When,
		Message:   strings.TrimSpace(c.Message),
	}
	for _, p := range c.ParentHashes {
		tc.Parents = append(tc.Parents, p.String())
	}

	tree, err := c.Tree()
	if err != nil {
		return temporal.Commit{}, fmt.Errorf("read tree: %w", err)
	}
	var parentTree *object.Tree
	if c.NumParents() > 0 {
		parent, err := c.Parent(0)
		if err != nil {
			return temporal.Commit{}, fmt.Errorf("resolve parent: %w", err)
		}
		parentTree, err = parent.Tree()
		if err != nil {
			return temporal.Commit{}, fmt.Errorf("read parent tree: %w", err)
		}
	}

	changes, err := object.DiffTree(parentTree, tree)
	if err != nil {
		return temporal.Commit{}, fmt.Errorf("diff trees: %w", err)
	}
	for _, change := range changes {
		diff, err := extractDiff(change)
		if err != nil {
			continue
		}
		tc.Diffs = append(tc.Diffs, diff)
	}
	return tc, nil
}

func extractDiff(change *object.Change) (temporal.FileDiff, error) {
	action, err := change.Action()
	if err != nil {
		return temporal.FileDiff{}, err
	}

	diff := temporal.FileDiff{}
	switch action {
	case merkletrie.Insert:
		diff.Path = change.To.Name
		diff.Type = temporal.DiffAdded
	case merkletrie.Delete:
		diff.Path = change.From.Name
		diff.Type = temporal.DiffDeleted
	default:
		diff.Path = change.To.Name
		diff.Type = temporal.DiffModified
		if change.From.Name != change.To.Name {
			diff.Type = temporal.DiffRenamed
			diff.OldPath = change.From.Name
		}
	}

	patch, err := change.Patch()
	if err != nil {
		return temporal.FileDiff{}, err
	}
	hunk := patch.String()
	if len(hunk) > maxHunkBytes {
		hunk = hunk[:maxHunkBytes]
	}
	diff.Hunk = hunk
	return diff, nil
}

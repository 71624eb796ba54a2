package git

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/lightspeed-dms/cidx/internal/errs"
)

// CommitInfo is a compact commit record for history tools.
type CommitInfo struct {
	SHA       string    `json:"sha"`
	Author    string    `json:"author"`
	Email     string    `json:"email"`
	Timestamp time.Time `json:"timestamp"`
	Subject   string    `json:"subject"`
}

// FileStat summarizes one file touched by a commit.
type FileStat struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// CommitDetail is a full commit record including its patch.
type CommitDetail struct {
	CommitInfo
	Message string     `json:"message"`
	Parents []string   `json:"parents"`
	Files   []FileStat `json:"files"`
	Patch   string     `json:"patch,omitempty"`
}

// BlameLine attributes one line of a file to its last modifying commit.
type BlameLine struct {
	Line      int       `json:"line"`
	SHA       string    `json:"sha"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// DiffMatch is one diff-content search hit.
type DiffMatch struct {
	Commit CommitInfo `json:"commit"`
	Path   string     `json:"path"`
	Line   string     `json:"line"`
}

// LogOptions narrows a commit walk.
type LogOptions struct {
	MaxCount int
	Author   string
	Since    *time.Time
	Until    *time.Time
	Path     string
}

const defaultLogLimit = 50

func commitInfo(c *object.Commit) CommitInfo {
	return CommitInfo{
		SHA:       c.Hash.String(),
		Author:    c.Author.Name,
		Email:     c.Author.Email,
		Timestamp: c.Author.When,
		Subject:   firstLine(c.Message),
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

// Log returns commit history filtered by the given options.
func (a *Adapter) Log(localPath string, opts LogOptions) ([]CommitInfo, error) {
	limit := opts.MaxCount
	if limit <= 0 {
		limit = defaultLogLimit
	}

	repo, err := gogit.PlainOpen(localPath)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	logOpts := &gogit.LogOptions{Since: opts.Since, Until: opts.Until}
	if opts.Path != "" {
		path := opts.Path
		logOpts.FileName = &path
	}
	iter, err := repo.Log(logOpts)
	if err != nil {
		return nil, fmt.Errorf("walk log: %w", err)
	}
	defer iter.Close()

	var out []CommitInfo
	err = iter.ForEach(func(c *object.Commit) error {
		if opts.Author != "" && !strings.Contains(strings.ToLower(c.Author.Name), strings.ToLower(opts.Author)) &&
			!strings.Contains(strings.ToLower(c.Author.Email), strings.ToLower(opts.Author)) {
			return nil
		}
		out = append(out, commitInfo(c))
		if len(out) >= limit {
			return storerStop
		}
		return nil
	})
	if err != nil && err != storerStop {
		return nil, fmt.Errorf("walk log: %w", err)
	}
	return out, nil
}

// storerStop terminates an iterator walk early.
var storerStop = fmt.Errorf("stop iteration")

// ShowCommit returns full details for one commit, including its patch
// against the first parent.
func (a *Adapter) ShowCommit(localPath, sha string, includePatch bool) (*CommitDetail, error) {
	repo, err := gogit.PlainOpen(localPath)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	commit, err := resolveCommit(repo, sha)
	if err != nil {
		return nil, err
	}

	detail := &CommitDetail{
		CommitInfo: commitInfo(commit),
		Message:    strings.TrimSpace(commit.Message),
	}
	for _, p := range commit.ParentHashes {
		detail.Parents = append(detail.Parents, p.String())
	}

	stats, err := commit.Stats()
	if err == nil {
		for _, s := range stats {
			detail.Files = append(detail.Files, FileStat{Path: s.Name, Additions: s.Addition, Deletions: s.Deletion})
		}
	}

	if includePatch {
		patch, err := commitPatch(commit)
		if err != nil {
			return nil, err
		}
		detail.Patch = patch
	}
	return detail, nil
}

func commitPatch(commit *object.Commit) (string, error) {
	tree, err := commit.Tree()
	if err != nil {
		return "", fmt.Errorf("read tree: %w", err)
	}
	var parentTree *object.Tree
	if commit.NumParents() > 0 {
		parent, err := commit.Parent(0)
		if err != nil {
			return "", fmt.Errorf("resolve parent: %w", err)
		}
		parentTree, err = parent.Tree()
		if err != nil {
			return "", fmt.Errorf("read parent tree: %w", err)
		}
	}
	changes, err := object.DiffTree(parentTree, tree)
	if err != nil {
		return "", fmt.Errorf("diff trees: %w", err)
	}
	patch, err := changes.Patch()
	if err != nil {
		return "", fmt.Errorf("compute patch: %w", err)
	}
	return patch.String(), nil
}

// Diff returns the unified patch between two revisions, optionally
// restricted to one path.
func (a *Adapter) Diff(localPath, fromRev, toRev, path string) (string, error) {
	repo, err := gogit.PlainOpen(localPath)
	if err != nil {
		return "", fmt.Errorf("open repository: %w", err)
	}
	fromCommit, err := resolveCommit(repo, fromRev)
	if err != nil {
		return "", err
	}
	toCommit, err := resolveCommit(repo, toRev)
	if err != nil {
		return "", err
	}
	fromTree, err := fromCommit.Tree()
	if err != nil {
		return "", fmt.Errorf("read tree: %w", err)
	}
	toTree, err := toCommit.Tree()
	if err != nil {
		return "", fmt.Errorf("read tree: %w", err)
	}
	patch, err := fromTree.Patch(toTree)
	if err != nil {
		return "", fmt.Errorf("compute patch: %w", err)
	}
	if path == "" {
		return patch.String(), nil
	}

	// go-git patches are not filterable per file, so filter textually.
	var sb strings.Builder
	for _, section := range strings.Split(patch.String(), "diff --git ") {
		if section == "" {
			continue
		}
		if strings.Contains(strings.SplitN(section, "\n", 2)[0], path) {
			sb.WriteString("diff --git ")
			sb.WriteString(section)
		}
	}
	return sb.String(), nil
}

// Blame attributes each line of path at the given revision.
func (a *Adapter) Blame(localPath, rev, path string) ([]BlameLine, error) {
	repo, err := gogit.PlainOpen(localPath)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	commit, err := resolveCommit(repo, rev)
	if err != nil {
		return nil, err
	}
	result, err := gogit.Blame(commit, path)
	if err != nil {
		return nil, errs.Wrap(errs.KindNotFound, fmt.Sprintf("blame %s", path), err)
	}
	lines := make([]BlameLine, 0, len(result.Lines))
	for i, l := range result.Lines {
		lines = append(lines, BlameLine{
			Line:      i + 1,
			SHA:       l.Hash.String(),
			Author:    l.AuthorName,
			Timestamp: l.Date,
			Text:      l.Text,
		})
	}
	return lines, nil
}

// FileHistory returns the commits that touched path, newest first.
func (a *Adapter) FileHistory(localPath, path string, maxCount int) ([]CommitInfo, error) {
	return a.Log(localPath, LogOptions{MaxCount: maxCount, Path: path})
}

// FileAtRevision returns the content of path as of the given revision.
func (a *Adapter) FileAtRevision(localPath, rev, path string) (string, error) {
	repo, err := gogit.PlainOpen(localPath)
	if err != nil {
		return "", fmt.Errorf("open repository: %w", err)
	}
	commit, err := resolveCommit(repo, rev)
	if err != nil {
		return "", err
	}
	file, err := commit.File(path)
	if err != nil {
		return "", errs.Newf(errs.KindNotFound, "file %s not found at %s", path, rev)
	}
	content, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read file contents: %w", err)
	}
	return content, nil
}

// SearchCommits finds commits whose message matches pattern.
func (a *Adapter) SearchCommits(localPath, pattern string, opts LogOptions) ([]CommitInfo, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, errs.Newf(errs.KindInvalidInput, "invalid pattern: %v", err)
	}
	limit := opts.MaxCount
	if limit <= 0 {
		limit = defaultLogLimit
	}

	repo, err := gogit.PlainOpen(localPath)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	iter, err := repo.Log(&gogit.LogOptions{Since: opts.Since, Until: opts.Until})
	if err != nil {
		return nil, fmt.Errorf("walk log: %w", err)
	}
	defer iter.Close()

	var out []CommitInfo
	err = iter.ForEach(func(c *object.Commit) error {
		if !re.MatchString(c.Message) {
			return nil
		}
		out = append(out, commitInfo(c))
		if len(out) >= limit {
			return storerStop
		}
		return nil
	})
	if err != nil && err != storerStop {
		return nil, fmt.Errorf("walk log: %w", err)
	}
	return out, nil
}

// SearchDiffs finds commits whose patch content matches pattern, and
// reports the matching lines.
func (a *Adapter) SearchDiffs(localPath, pattern string, opts LogOptions) ([]DiffMatch, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errs.Newf(errs.KindInvalidInput, "invalid pattern: %v", err)
	}
	limit := opts.MaxCount
	if limit <= 0 {
		limit = defaultLogLimit
	}

	repo, err := gogit.PlainOpen(localPath)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	iter, err := repo.Log(&gogit.LogOptions{Since: opts.Since, Until: opts.Until})
	if err != nil {
		return nil, fmt.Errorf("walk log: %w", err)
	}
	defer iter.Close()

	var out []DiffMatch
	err = iter.ForEach(func(c *object.Commit) error {
		patch, err := commitPatch(c)
		if err != nil {
			return nil
		}
		info := commitInfo(c)
		currentPath := ""
		for _, line := range strings.Split(patch, "\n") {
			if strings.HasPrefix(line, "+++ b/") {
				currentPath = strings.TrimPrefix(line, "+++ b/")
				continue
			}
			if len(line) == 0 || (line[0] != '+' && line[0] != '-') || strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---") {
				continue
			}
			if re.MatchString(line[1:]) {
				out = append(out, DiffMatch{Commit: info, Path: currentPath, Line: line})
				if len(out) >= limit {
					return storerStop
				}
			}
		}
		return nil
	})
	if err != nil && err != storerStop {
		return nil, fmt.Errorf("walk log: %w", err)
	}
	return out, nil
}

func resolveCommit(repo *gogit.Repository, rev string) (*object.Commit, error) {
	if rev == "" || rev == "HEAD" {
		head, err := repo.Head()
		if err != nil {
			return nil, fmt.Errorf("resolve HEAD: %w", err)
		}
		return repo.CommitObject(head.Hash())
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, errs.Newf(errs.KindNotFound, "revision %s not found", rev)
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, errs.Newf(errs.KindNotFound, "revision %s is not a commit", rev)
	}
	return commit, nil
}

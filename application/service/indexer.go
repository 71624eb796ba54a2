package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"

	"github.com/lightspeed-dms/cidx/domain/repo"
	"github.com/lightspeed-dms/cidx/domain/scip"
	"github.com/lightspeed-dms/cidx/domain/search"
	"github.com/lightspeed-dms/cidx/domain/vector"
	"github.com/lightspeed-dms/cidx/infrastructure/git"
	"github.com/lightspeed-dms/cidx/infrastructure/store"
)

// maxTemporalCommits bounds the history walk on first index; refreshes
// only see the delta since the last indexed commit.
const maxTemporalCommits = 1000

// chunkNamespace keys deterministic chunk IDs so a re-index of the
// same (path, chunk) replaces rather than duplicates.
var chunkNamespace = uuid.MustParse("9a7e6f2c-1b3d-4c5e-8f90-a1b2c3d4e5f6")

func chunkID(path string, chunkIndex int) string {
	return uuid.NewSHA1(chunkNamespace, fmt.Appendf(nil, "%s#%d", path, chunkIndex)).String()
}

// fileManifest records which chunk IDs each indexed file produced, so
// an incremental refresh can delete a changed file's stale records.
type fileManifest map[string][]string

func loadManifest(path string) fileManifest {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileManifest{}
	}
	m := fileManifest{}
	if err := json.Unmarshal(data, &m); err != nil {
		return fileManifest{}
	}
	return m
}

func (m fileManifest) save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o644)
}

// Indexer builds and refreshes a repository's indexes from its clone.
type Indexer struct {
	git      *git.Adapter
	embedder search.Embedder
	indexes  *IndexManager
	logger   *slog.Logger
}

// NewIndexer creates an indexer.
func NewIndexer(gitAdapter *git.Adapter, embedder search.Embedder, indexes *IndexManager, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{git: gitAdapter, embedder: embedder, indexes: indexes, logger: logger}
}

// Progress reports indexing progress as a 0-100 percentage.
type Progress func(percent int)

// Index brings a repository's indexes up to its clone's HEAD. With an
// empty last-indexed commit this is a full build; otherwise only the
// change set since that commit is processed. Returns the new HEAD SHA.
func (ix *Indexer) Index(ctx context.Context, r repo.Repository, flags repo.IndexFlags, progress Progress) (string, error) {
	if progress == nil {
		progress = func(int) {}
	}

	head, err := ix.git.HeadSHA(r.ClonePath())
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	if head == r.LastIndexedCommit() {
		progress(100)
		return head, nil
	}

	changes, err := ix.git.ChangedFiles(ctx, r.ClonePath(), r.LastIndexedCommit(), head)
	if err != nil {
		return "", fmt.Errorf("compute change set: %w", err)
	}
	progress(10)

	idx, err := ix.indexes.For(r.Name(), r.ClonePath())
	if err != nil {
		return "", err
	}

	manifestPath := filepath.Join(ix.indexes.RepoDir(r.Name()), "manifest.json")
	manifest := loadManifest(manifestPath)

	if err := ix.applyChanges(ctx, r, idx, manifest, changes, flags, progress); err != nil {
		return "", err
	}

	if flags.Temporal {
		if err := ix.indexHistory(ctx, r, idx); err != nil {
			return "", fmt.Errorf("index history: %w", err)
		}
	}
	progress(90)

	if flags.SCIP {
		if err := ix.indexSymbols(ctx, r, idx, manifest); err != nil {
			return "", fmt.Errorf("index symbols: %w", err)
		}
	}

	if err := manifest.save(manifestPath); err != nil {
		return "", fmt.Errorf("persist manifest: %w", err)
	}
	if flags.FTS {
		if err := idx.FTS.SetLastCommit(head); err != nil {
			return "", fmt.Errorf("persist fts meta: %w", err)
		}
	}
	progress(100)
	return head, nil
}

func (ix *Indexer) applyChanges(ctx context.Context, r repo.Repository, idx *RepoIndexes,
	manifest fileManifest, changes []git.Change, flags repo.IndexFlags, progress Progress) error {

	// Remove stale records first so renames do not leave ghosts.
	var staleIDs []string
	for _, change := range changes {
		switch change.Kind {
		case git.ChangeDeleted:
			staleIDs = append(staleIDs, manifest[change.Path]...)
			delete(manifest, change.Path)
		case git.ChangeModified:
			staleIDs = append(staleIDs, manifest[change.Path]...)
		case git.ChangeRenamed:
			staleIDs = append(staleIDs, manifest[change.OldPath]...)
			staleIDs = append(staleIDs, manifest[change.Path]...)
			delete(manifest, change.OldPath)
		}
	}
	if len(staleIDs) > 0 {
		if flags.Semantic {
			if err := idx.Vectors.Delete(ctx, staleIDs); err != nil {
				return fmt.Errorf("delete stale vectors: %w", err)
			}
		}
		if flags.FTS {
			if err := idx.FTS.Delete(ctx, staleIDs); err != nil {
				return fmt.Errorf("delete stale fts docs: %w", err)
			}
		}
	}

	type pendingChunk struct {
		id         string
		path       string
		language   string
		blobSHA    string
		chunk      Chunk
		collection string
	}
	var pending []pendingChunk
	ftsDocs := map[string]store.FTSDoc{}

	exists := func(rel string) bool {
		_, statErr := os.Stat(filepath.Join(r.ClonePath(), rel))
		return statErr == nil
	}

	for _, change := range changes {
		if change.Kind == git.ChangeDeleted {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !indexableFile(change.Path) {
			continue
		}
		data, readErr := os.ReadFile(filepath.Join(r.ClonePath(), change.Path))
		if readErr != nil {
			ix.logger.Warn("skipping unreadable file",
				slog.String("repo", r.Name()), slog.String("path", change.Path))
			continue
		}
		content := string(data)
		language := DetectLanguage(change.Path)

		collection := vector.CollectionCode
		if HasLocalImages(change.Path, content, exists) {
			collection = vector.CollectionMultimodal
		}

		var ids []string
		for i, chunk := range ChunkFile(content) {
			id := chunkID(change.Path, i)
			ids = append(ids, id)
			pending = append(pending, pendingChunk{
				id:         id,
				path:       change.Path,
				language:   language,
				blobSHA:    change.BlobSHA,
				chunk:      chunk,
				collection: collection,
			})
			ftsDocs[id] = store.FTSDoc{
				Path:     change.Path,
				Language: language,
				Line:     chunk.LineNumber,
				Content:  chunk.Text,
			}
		}
		manifest[change.Path] = ids
	}
	progress(30)

	if flags.Semantic && len(pending) > 0 {
		texts := make([]string, len(pending))
		for i, p := range pending {
			texts[i] = p.chunk.Text
		}
		embeddings, err := ix.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed chunks: %w", err)
		}
		progress(60)

		now := time.Now().UTC()
		records := make([]vector.Record, len(pending))
		for i, p := range pending {
			payload := vector.Payload{
				FilePath:    p.path,
				ChunkOffset: p.chunk.ByteOffset,
				LineNumber:  p.chunk.LineNumber,
				Language:    p.language,
				IndexedAt:   now,
			}
			// Clean git files reconstruct content from the object
			// store; anything untracked keeps its text inline.
			if p.blobSHA != "" {
				payload.GitBlobSHA = p.blobSHA
			} else {
				payload.ChunkText = p.chunk.Text
			}
			records[i] = vector.Record{
				ID:         p.id,
				Embedding:  embeddings[i],
				Payload:    payload,
				Collection: p.collection,
			}
		}
		if err := idx.Vectors.Upsert(ctx, records); err != nil {
			return fmt.Errorf("upsert vectors: %w", err)
		}
	}
	progress(75)

	if flags.FTS && len(ftsDocs) > 0 {
		if err := idx.FTS.Index(ctx, ftsDocs); err != nil {
			return fmt.Errorf("index fts docs: %w", err)
		}
	}
	return nil
}

// indexHistory embeds the diff hunks of commits newer than the last
// temporally indexed commit.
func (ix *Indexer) indexHistory(ctx context.Context, r repo.Repository, idx *RepoIndexes) error {
	commits, err := ix.git.CommitsSince(ctx, r.ClonePath(), idx.Temporal.LastSHA())
	if err != nil {
		return err
	}
	if len(commits) > maxTemporalCommits {
		commits = commits[len(commits)-maxTemporalCommits:]
	}
	if len(commits) == 0 {
		return nil
	}

	var texts []string
	type ref struct{ commit, diff int }
	var refs []ref
	for ci := range commits {
		for di := range commits[ci].Diffs {
			if commits[ci].Diffs[di].Hunk == "" {
				continue
			}
			texts = append(texts, commits[ci].Diffs[di].Hunk)
			refs = append(refs, ref{ci, di})
		}
	}
	if len(texts) > 0 {
		embeddings, err := ix.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed diff hunks: %w", err)
		}
		for i, rf := range refs {
			commits[rf.commit].Diffs[rf.diff].Embedding = embeddings[i]
		}
	}
	return idx.Temporal.Add(ctx, commits)
}

// indexSymbols rebuilds the symbol database from the indexed files.
func (ix *Indexer) indexSymbols(ctx context.Context, r repo.Repository, idx *RepoIndexes, manifest fileManifest) error {
	type parsed struct {
		path    string
		content string
		symbols []scip.Symbol
	}
	var files []parsed
	defined := map[string]bool{}
	for path := range manifest {
		data, err := os.ReadFile(filepath.Join(r.ClonePath(), path))
		if err != nil {
			continue
		}
		content := string(data)
		symbols := ExtractSymbols(path, content)
		if len(symbols) == 0 {
			continue
		}
		for _, s := range symbols {
			defined[s.Name] = true
		}
		files = append(files, parsed{path: path, content: content, symbols: symbols})
	}

	if err := idx.Symbols.Clear(ctx, r.Name()); err != nil {
		return err
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc := scip.Document{
			Project: r.Name(),
			Symbols: f.symbols,
			Edges:   ExtractEdges(f.path, f.content, f.symbols, defined),
		}
		if err := idx.Symbols.ImportDocument(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

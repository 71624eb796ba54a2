package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightspeed-dms/cidx/internal/errs"
)

func writeScanFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRegexScanBasicMatch(t *testing.T) {
	root := t.TempDir()
	writeScanFile(t, root, "main.go", "package main\n\nfunc main() {\n\tconnectDB()\n}\n")
	writeScanFile(t, root, "util.go", "package main\n\nfunc helper() {}\n")

	matches, err := NewRegexScanner().Scan(context.Background(), root, ScanOptions{
		Pattern: `connect\w+`,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "main.go", matches[0].Path)
	assert.Equal(t, 4, matches[0].Line)
	assert.Equal(t, "connectDB", matches[0].MatchText)
}

func TestRegexScanCaseSensitivity(t *testing.T) {
	root := t.TempDir()
	writeScanFile(t, root, "a.go", "TODO fix this\ntodo later\n")

	scanner := NewRegexScanner()

	matches, err := scanner.Scan(context.Background(), root, ScanOptions{Pattern: "TODO"})
	require.NoError(t, err)
	assert.Len(t, matches, 2, "insensitive by default")

	matches, err = scanner.Scan(context.Background(), root, ScanOptions{
		Pattern:       "TODO",
		CaseSensitive: true,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 1, matches[0].Line)
}

func TestRegexScanIncludeExcludePatterns(t *testing.T) {
	root := t.TempDir()
	writeScanFile(t, root, "src/auth.go", "secret handling\n")
	writeScanFile(t, root, "src/auth_test.go", "secret handling\n")
	writeScanFile(t, root, "docs/notes.md", "secret handling\n")

	scanner := NewRegexScanner()

	matches, err := scanner.Scan(context.Background(), root, ScanOptions{
		Pattern:         "secret",
		IncludePatterns: []string{"*.go"},
		ExcludePatterns: []string{"*_test.go"},
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "src/auth.go", matches[0].Path)
}

func TestRegexScanSkipsGitDirAndBinaries(t *testing.T) {
	root := t.TempDir()
	writeScanFile(t, root, ".git/config", "match me\n")
	writeScanFile(t, root, "blob.bin", "match me\x00binary\n")
	writeScanFile(t, root, "plain.txt", "match me\n")

	matches, err := NewRegexScanner().Scan(context.Background(), root, ScanOptions{Pattern: "match"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "plain.txt", matches[0].Path)
}

func TestRegexScanContextLines(t *testing.T) {
	root := t.TempDir()
	writeScanFile(t, root, "a.txt", "one\ntwo\nthree\nfour\nfive\n")

	matches, err := NewRegexScanner().Scan(context.Background(), root, ScanOptions{
		Pattern:      "three",
		ContextLines: 1,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "two\nthree\nfour", matches[0].Snippet)
}

func TestRegexScanLimit(t *testing.T) {
	root := t.TempDir()
	writeScanFile(t, root, "a.txt", "hit\nhit\nhit\nhit\n")

	matches, err := NewRegexScanner().Scan(context.Background(), root, ScanOptions{
		Pattern: "hit",
		Limit:   2,
	})
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestRegexScanInvalidPattern(t *testing.T) {
	_, err := NewRegexScanner().Scan(context.Background(), t.TempDir(), ScanOptions{
		Pattern: "[unclosed",
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidInput, errs.KindOf(err))
}

func TestRegexScanCancelledContext(t *testing.T) {
	root := t.TempDir()
	writeScanFile(t, root, "a.txt", "hit\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRegexScanner().Scan(ctx, root, ScanOptions{Pattern: "hit"})
	assert.ErrorIs(t, err, context.Canceled)
}

package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGlobMatch(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"*.go", "main.go", true},
		{"*.go", "internal/log/logger.go", true},
		{"*.go", "main.py", false},
		{"src/*.go", "src/main.go", true},
		{"src/*.go", "src/sub/main.go", false},
		{"src/**/*.go", "src/sub/deep/main.go", true},
		{"a/**/b", "a/b", true},
		{"a/**/b", "a/x/y/b", true},
		{"?.go", "a.go", true},
		{"?.go", "ab.go", false},
		{"exact.txt", "exact.txt", true},
		{"exact.txt", "prefix-exact.txt", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+" vs "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, GlobMatch(tt.pattern, tt.path))
		})
	}
}

func TestHasGlobMeta(t *testing.T) {
	assert.True(t, HasGlobMeta("repo-*"))
	assert.True(t, HasGlobMeta("repo-?"))
	assert.False(t, HasGlobMeta("my-repo"))
	assert.False(t, HasGlobMeta("my.repo/name"))
}

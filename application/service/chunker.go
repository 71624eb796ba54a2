package service

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Chunking parameters. Chunks are fixed line windows with a small
// overlap so a match near a boundary still carries its context.
const (
	chunkLines   = 60
	chunkOverlap = 10
)

// Chunk is one slice of a file prepared for embedding.
type Chunk struct {
	Text       string
	ByteOffset int
	LineNumber int // 1-based first line
}

// ChunkFile splits content into overlapping line windows.
func ChunkFile(content string) []Chunk {
	if content == "" {
		return nil
	}
	lines := strings.SplitAfter(content, "\n")
	var chunks []Chunk
	offset := 0
	line := 1
	for start := 0; start < len(lines); start += chunkLines - chunkOverlap {
		stop := start + chunkLines
		if stop > len(lines) {
			stop = len(lines)
		}
		text := strings.Join(lines[start:stop], "")
		if strings.TrimSpace(text) != "" {
			chunks = append(chunks, Chunk{Text: text, ByteOffset: offset, LineNumber: line})
		}
		if stop == len(lines) {
			break
		}
		for i := start; i < start+chunkLines-chunkOverlap; i++ {
			offset += len(lines[i])
			line++
		}
	}
	return chunks
}

var extensionLanguages = map[string]string{
	".go":    "go",
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".kt":    "kotlin",
	".rb":    "ruby",
	".rs":    "rust",
	".c":     "c",
	".h":     "c",
	".cc":    "cpp",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".php":   "php",
	".swift": "swift",
	".scala": "scala",
	".sh":    "shell",
	".bash":  "shell",
	".sql":   "sql",
	".html":  "html",
	".css":   "css",
	".scss":  "css",
	".md":    "markdown",
	".rst":   "markdown",
	".json":  "json",
	".yaml":  "yaml",
	".yml":   "yaml",
	".toml":  "toml",
	".xml":   "xml",
	".proto": "protobuf",
	".tf":    "terraform",
}

// DetectLanguage maps a file path to a language tag, or "".
func DetectLanguage(path string) string {
	return extensionLanguages[strings.ToLower(filepath.Ext(path))]
}

// indexableFile reports whether a path is worth indexing at all.
func indexableFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".ico", ".pdf",
		".zip", ".tar", ".gz", ".bz2", ".xz", ".7z", ".jar",
		".so", ".dll", ".dylib", ".exe", ".bin", ".wasm",
		".woff", ".woff2", ".ttf", ".eot", ".mp3", ".mp4", ".mov":
		return false
	}
	return true
}

var imageRefRegex = regexp.MustCompile(
	`!\[[^\]]*\]\(([^)\s]+)\)|<img[^>]+src=["']([^"']+)["']`)

var localImageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".webp": true, ".gif": true,
}

// HasLocalImages reports whether markdown or HTML content references a
// local image file that actually exists. exists resolves a reference
// relative to the document.
func HasLocalImages(path, content string, exists func(rel string) bool) bool {
	lang := DetectLanguage(path)
	if lang != "markdown" && lang != "html" {
		return false
	}
	for _, m := range imageRefRegex.FindAllStringSubmatch(content, -1) {
		ref := m[1]
		if ref == "" {
			ref = m[2]
		}
		if ref == "" || strings.Contains(ref, "://") {
			continue
		}
		if !localImageExts[strings.ToLower(filepath.Ext(ref))] {
			continue
		}
		resolved := filepath.ToSlash(filepath.Join(filepath.Dir(path), ref))
		if exists(resolved) {
			return true
		}
	}
	return false
}

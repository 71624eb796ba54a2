package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightspeed-dms/cidx/internal/errs"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		input   string
		want    Mode
		wantErr bool
	}{
		{"", ModeSemantic, false},
		{"semantic", ModeSemantic, false},
		{"fts", ModeFTS, false},
		{"hybrid", ModeHybrid, false},
		{"fulltext", "", true},
		{"SEMANTIC", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseMode(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errs.KindInvalidInput, errs.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseAccuracy(t *testing.T) {
	got, err := ParseAccuracy("")
	require.NoError(t, err)
	assert.Equal(t, AccuracyBalanced, got)

	_, err = ParseAccuracy("exact")
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidInput, errs.KindOf(err))
}

func TestAccuracyEfSearch(t *testing.T) {
	assert.Equal(t, 16, AccuracyFast.EfSearch())
	assert.Equal(t, 48, AccuracyBalanced.EfSearch())
	assert.Equal(t, 128, AccuracyHigh.EfSearch())
	assert.Equal(t, 48, Accuracy("").EfSearch(), "unset acts as balanced")
}

func TestQueryValidate(t *testing.T) {
	valid := Query{Text: "error handling", RepoAliases: []string{"api"}}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name string
		q    Query
	}{
		{"empty text", Query{RepoAliases: []string{"api"}}},
		{"no repos", Query{Text: "x"}},
		{"negative limit", Query{Text: "x", RepoAliases: []string{"api"}, Limit: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.q.Validate()
			require.Error(t, err)
			assert.Equal(t, errs.KindInvalidInput, errs.KindOf(err))
		})
	}
}

func TestFiltersValidateKinds(t *testing.T) {
	tests := []struct {
		name    string
		f       Filters
		wantErr bool
	}{
		{"zero value", Filters{}, false},
		{"edit distance in range", Filters{EditDistance: 2}, false},
		{"edit distance too large", Filters{EditDistance: 4}, true},
		{"snippet lines too large", Filters{SnippetLines: 51}, true},
		{"min score above one", Filters{MinScore: 1.5}, true},
		{"negative evolution limit", Filters{EvolutionLimit: -1}, true},
		{"bad regex", Filters{Regex: "[unterminated"}, true},
		{"good regex", Filters{Regex: `func \w+`}, false},
		{
			"inverted time range",
			Filters{TimeRange: TimeRange{
				Since: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
				Until: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			}},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.f.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errs.KindInvalidInput, errs.KindOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFiltersTemporalQuery(t *testing.T) {
	assert.False(t, Filters{}.Temporal())
	assert.True(t, Filters{Author: "alice"}.Temporal())
	assert.True(t, Filters{AtCommit: "abc123"}.Temporal())
	assert.True(t, Filters{ShowEvolution: true}.Temporal())
	assert.True(t, Filters{TimeRange: TimeRange{Since: time.Now()}}.Temporal())
	assert.False(t, Filters{Language: "go"}.Temporal())
}

func TestFiltersMatchesPathQuery(t *testing.T) {
	tests := []struct {
		name string
		f    Filters
		path string
		want bool
	}{
		{"no filters", Filters{}, "a/b.go", true},
		{"path include match", Filters{PathFilter: "internal/**"}, "internal/log/logger.go", true},
		{"path include miss", Filters{PathFilter: "internal/**"}, "cmd/main.go", false},
		{"path exclude", Filters{ExcludePath: "**/*_test.go"}, "pkg/a_test.go", false},
		{"extension match", Filters{FileExtensions: []string{"go"}}, "a/b.go", true},
		{"extension with dot", Filters{FileExtensions: []string{".py"}}, "a/b.py", true},
		{"extension miss", Filters{FileExtensions: []string{"rs"}}, "a/b.go", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.f.MatchesPath(tt.path))
		})
	}
}

func TestTimeRangeContainsQuery(t *testing.T) {
	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)

	r := TimeRange{Since: since, Until: until}
	assert.True(t, r.Contains(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))
	assert.False(t, r.Contains(since.Add(-time.Hour)))
	assert.False(t, r.Contains(until.Add(time.Hour)))

	open := TimeRange{Since: since}
	assert.True(t, open.Contains(until.Add(24*time.Hour)))
}

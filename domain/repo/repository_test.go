package repo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightspeed-dms/cidx/internal/errs"
)

func TestValidateBaseName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "api-server", false},
		{"with dots", "my.repo_v2", false},
		{"empty", "", true},
		{"reserved suffix", "api-global", true},
		{"leading dash", "-api", true},
		{"slash", "org/repo", true},
		{"spaces", "my repo", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBaseName(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errs.KindInvalidInput, errs.KindOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateUserAlias(t *testing.T) {
	assert.NoError(t, ValidateUserAlias("my-fork"))
	assert.Error(t, ValidateUserAlias(""))
	assert.Error(t, ValidateUserAlias("my-fork-global"), "users may not claim golden aliases")
}

func TestPublicAliasRoundTrip(t *testing.T) {
	assert.Equal(t, "api-global", PublicAlias("api"))

	base, ok := BaseName("api-global")
	require.True(t, ok)
	assert.Equal(t, "api", base)

	_, ok = BaseName("api")
	assert.False(t, ok)
}

func TestIndexFlags(t *testing.T) {
	var f IndexFlags
	assert.False(t, f.Has(IndexSemantic))

	f = f.WithKind(IndexSemantic).WithKind(IndexTemporal)
	assert.True(t, f.Has(IndexSemantic))
	assert.True(t, f.Has(IndexTemporal))
	assert.False(t, f.Has(IndexFTS))
	assert.False(t, f.Has(IndexSCIP))
	assert.False(t, f.Has(IndexKind("bogus")))
}

func TestParseIndexKind(t *testing.T) {
	for _, s := range []string{"semantic", "fts", "temporal", "scip"} {
		got, err := ParseIndexKind(s)
		require.NoError(t, err)
		assert.Equal(t, IndexKind(s), got)
	}
	_, err := ParseIndexKind("vector")
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidInput, errs.KindOf(err))
}

func TestNewRepositoryDefaults(t *testing.T) {
	r := NewRepository("api", "https://example.com/api.git", "", "/data/repos/api")

	assert.Equal(t, "main", r.DefaultBranch())
	assert.True(t, r.RefreshEnabled())
	assert.Equal(t, "api-global", r.PublicAlias())
	assert.False(t, r.IsMeta())
}

func TestIsMeta(t *testing.T) {
	meta := NewRepository("cidx-meta", "", "main", "")
	assert.True(t, meta.IsMeta())
}

func TestRepositoryWithers(t *testing.T) {
	r := NewRepository("api", "url", "main", "/p")

	updated := r.WithLastIndexedCommit("abc123").WithRefreshEnabled(false)
	assert.Equal(t, "abc123", updated.LastIndexedCommit())
	assert.False(t, updated.RefreshEnabled())

	assert.Empty(t, r.LastIndexedCommit(), "withers return copies")
	assert.True(t, r.RefreshEnabled())
}

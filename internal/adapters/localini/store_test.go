package localini

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/domain"
)

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "local.ini"))
	assert.True(t, errors.Is(err, domain.ErrStateNotFound))
}

func TestRoundTripPreservesForeignContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.ini")
	original := "# engine settings below\n[mlucas]\nfft=4096\n\n[primenet]\nguid=abc123\n"
	require.NoError(t, os.WriteFile(path, []byte(original), 0o644))

	s, err := Load(path)
	require.NoError(t, err)

	v, ok := s.Get("guid")
	assert.True(t, ok)
	assert.Equal(t, "abc123", v)

	// a key in a foreign section is invisible
	_, ok = s.Get("fft")
	assert.False(t, ok)

	s.Set("username", "ANONYMOUS")
	require.NoError(t, s.Save())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "# engine settings below")
	assert.Contains(t, content, "[mlucas]\nfft=4096")
	assert.Contains(t, content, "username=ANONYMOUS")
}

func TestSetInsertsIntoOwnSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.ini")
	require.NoError(t, os.WriteFile(path, []byte("[primenet]\nguid=abc\n[mlucas]\nfft=1\n"), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	s.Set("worktype", "150")
	require.NoError(t, s.Save())

	reloaded, err := Load(path)
	require.NoError(t, err)
	v, ok := reloaded.Get("worktype")
	assert.True(t, ok)
	assert.Equal(t, "150", v)
	// the foreign section must still parse cleanly after the insert
	_, ok = reloaded.Get("fft")
	assert.False(t, ok)
}

func TestSetCreatesSectionWhenAbsent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "local.ini"))
	s.Set("guid", "feedface")
	require.NoError(t, s.Save())

	reloaded, err := Load(s.Path())
	require.NoError(t, err)
	v, ok := reloaded.Get("guid")
	assert.True(t, ok)
	assert.Equal(t, "feedface", v)
}

func TestDelete(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "local.ini"))
	s.Set("a", "1")
	s.Set("b", "2")
	s.Delete("a")
	_, ok := s.Get("a")
	assert.False(t, ok)
	v, ok := s.Get("b")
	assert.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestKeysInFileOrder(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "local.ini"))
	s.Set("guid", "x")
	s.Set("username", "y")
	s.Set("worktype", "150")
	assert.Equal(t, []string{"guid", "username", "worktype"}, s.Keys())
}

func TestMalformedFileIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.ini")
	require.NoError(t, os.WriteFile(path, []byte("[primenet]\nthis line has no equals sign\n"), 0o644))

	_, err := Load(path)
	var cfgErr *domain.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestSaveIsAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.ini")
	require.NoError(t, os.WriteFile(path, []byte("[primenet]\nguid=old\n"), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	s.Set("guid", "new")
	require.NoError(t, s.Save())

	// no temp droppings left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestTypedHelpers(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "local.ini"))
	s.SetInt64("offset", 42)
	assert.Equal(t, int64(42), s.GetInt64("offset", 0))
	assert.Equal(t, int64(7), s.GetInt64("missing", 7))

	s.Set("speed", "12.5")
	assert.Equal(t, 12.5, s.GetFloat("speed", 0))
	assert.Equal(t, 1.0, s.GetFloat("missing", 1.0))
}

package cursor

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissingFileStartsAtConfiguredHeight(t *testing.T) {
	dir := t.TempDir()

	c, err := Open(dir, "chaina", 100)
	require.NoError(t, err)
	assert.EqualValues(t, 100, c.Next())
	assert.EqualValues(t, 99, c.Height())
	assert.FileExists(t, Path(dir, "chaina"))

	c, err = Open(dir, "chainb", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, c.Next())
	assert.EqualValues(t, -1, c.Height())
}

func TestResumeAfterRestart(t *testing.T) {
	dir := t.TempDir()

	c, err := Open(dir, "chaina", 0)
	require.NoError(t, err)
	require.NoError(t, c.Advance(41))
	require.NoError(t, c.Advance(42))

	// The start height only applies to a fresh cursor.
	c, err = Open(dir, "chaina", 7)
	require.NoError(t, err)
	assert.EqualValues(t, 42, c.Height())
	assert.EqualValues(t, 43, c.Next())
}

func TestAdvance(t *testing.T) {
	c, err := Open(t.TempDir(), "chaina", 10)
	require.NoError(t, err)

	require.NoError(t, c.Advance(12))
	require.NoError(t, c.Advance(12))
	assert.ErrorIs(t, c.Advance(11), ErrRegression)
	assert.EqualValues(t, 13, c.Next())
}

func TestEmptyFileIsFresh(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(Path(dir, "chaina"), nil, 0600))

	c, err := Open(dir, "chaina", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, c.Next())
}

func TestUnknownFieldsAreIgnored(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(Path(dir, "chaina"), []byte(`{"chain":"chaina","height":9,"hash":"0xabc"}`), 0600))

	c, err := Open(dir, "chaina", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 10, c.Next())
}

func TestRejectsForeignOrCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(Path(dir, "chaina"), []byte(`{"chain":"chainb","height":9}`), 0600))
	_, err := Open(dir, "chaina", 0)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(Path(dir, "chaina"), []byte(`{not json`), 0600))
	_, err = Open(dir, "chaina", 0)
	assert.Error(t, err)
}

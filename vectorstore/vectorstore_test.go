package vectorstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JTan2231/dewey/testutil"
)

func TestAppendAssignsSequentialIDs(t *testing.T) {
	s, err := Open(t.TempDir(), 4)
	require.NoError(t, err)
	defer s.Close()

	for want := uint64(0); want < 10; want++ {
		id, err := s.Append([]float32{1, 2, 3, 4})
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
	assert.Equal(t, uint64(10), s.Len())
}

func TestRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir(), 8)
	require.NoError(t, err)
	defer s.Close()

	rng := testutil.NewRNG(42)
	vecs := rng.UnitVectors(100, 8)

	for _, v := range vecs {
		_, err := s.Append(v)
		require.NoError(t, err)
	}

	for i, want := range vecs {
		got, err := s.Read(uint64(i))
		require.NoError(t, err)
		assert.Equal(t, want, got, "vector %d", i)
	}
}

func TestReadUnknownID(t *testing.T) {
	s, err := Open(t.TempDir(), 4)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Read(0)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Append([]float32{1, 0, 0, 0})
	require.NoError(t, err)

	_, err = s.Read(1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendDimensionMismatch(t *testing.T) {
	s, err := Open(t.TempDir(), 4)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Append([]float32{1, 2, 3})
	var dm *ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 4, dm.Expected)
	assert.Equal(t, 3, dm.Actual)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 4)
	require.NoError(t, err)
	want := []float32{0.5, -0.5, 0.25, 0}
	id, err := s.Append(want)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir, 4)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, uint64(1), s.Len())
	got, err := s.Read(id)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestOpenDimensionMismatchIsFatal(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 4)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(dir, 8)
	var dm *ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 8, dm.Expected)
	assert.Equal(t, 4, dm.Actual)
}

func TestOpenTruncatedFileIsFatal(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 4)
	require.NoError(t, err)
	_, err = s.Append([]float32{1, 2, 3, 4})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Chop off half a record.
	path := filepath.Join(dir, DataFile)
	require.NoError(t, os.Truncate(path, 10))

	_, err = Open(dir, 4)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestOpenBadMagicIsFatal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetaFile), []byte("NOPE\x01\x00\x00\x00\x04\x00\x00\x00"), 0o644))

	_, err := Open(dir, 4)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestAppendAcrossPageBoundary(t *testing.T) {
	// Enough vectors to outgrow the initial (empty) mapping several
	// times, exercising the remap path.
	const dim = 32
	s, err := Open(t.TempDir(), dim)
	require.NoError(t, err)
	defer s.Close()

	rng := testutil.NewRNG(7)
	vecs := rng.UnitVectors(1000, dim)

	for _, v := range vecs {
		_, err := s.Append(v)
		require.NoError(t, err)
	}

	// Old and new blocks both readable after remaps.
	for _, i := range []uint64{0, 1, 31, 32, 500, 999} {
		got, err := s.Read(i)
		require.NoError(t, err)
		assert.Equal(t, vecs[i], got)
	}
}

package replication

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	myerrors "github.com/myworld/mywdb/internal/errors"
)

func TestZipRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, FeaturesDir), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, FeaturesDir, "pipe.1.csv"), []byte("change_type,id\n"), 0644))
	man := &Manifest{ID: 3, Source: "master", Features: map[string]int{"pipe": 1}}
	require.NoError(t, writeManifest(src, man))

	zipPath := filepath.Join(t.TempDir(), "3.zip")
	require.NoError(t, zipDir(src, zipPath))

	dst := filepath.Join(t.TempDir(), "pkg")
	require.NoError(t, unzip(zipPath, dst))
	got, err := readManifest(dst)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.ID)
	assert.Equal(t, map[string]int{"pipe": 1}, got.Features)
	assert.FileExists(t, filepath.Join(dst, FeaturesDir, "pipe.1.csv"))
}

func TestUnzipRejectsEscapingEntries(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "evil.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("../../evil.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("gotcha"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	root := t.TempDir()
	dst := filepath.Join(root, "a", "pkg")
	err = unzip(zipPath, dst)
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(root, "evil.txt"))
}

func TestManifestEmpty(t *testing.T) {
	assert.True(t, (&Manifest{ID: 1, Features: map[string]int{}}).Empty())
	assert.False(t, (&Manifest{ConfigChanges: 2}).Empty())
	assert.False(t, (&Manifest{TileFiles: []string{"base"}}).Empty())
	assert.False(t, (&Manifest{HasCode: true}).Empty())
}

func TestVersionStampsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), VersionStampsFile)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, writeVersionStamps(path, []stampRow{
		{Component: "master_data", Version: 12, Date: now},
		{Component: "replica1_data", Version: 4, Date: now},
	}))
	rows, err := readVersionStamps(path)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, stampRow{Component: "master_data", Version: 12, Date: now}, rows[0])
	assert.Equal(t, int64(4), rows[1].Version)

	rows, err = readVersionStamps(filepath.Join(t.TempDir(), "missing.csv"))
	require.NoError(t, err)
	assert.Nil(t, rows)
}

func TestListRecordFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		recordFileName("valve", 2), recordFileName("valve", 10), recordFileName("pipe", 1),
		deltaFileName("pipe", "delta", 1), "notes.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}

	files, err := listRecordFiles(dir, ".csv")
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "pipe", files[0].Table)
	assert.Equal(t, 2, files[1].Chunk)
	assert.Equal(t, 10, files[2].Chunk)

	deltas, err := listRecordFiles(dir, ".delta")
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, "delta", deltas[0].Schema)

	none, err := listRecordFiles(filepath.Join(dir, "missing"), ".csv")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCheckSequence(t *testing.T) {
	ids, err := checkSequence(map[int64]string{4: "4.zip", 3: "3.zip"}, 2, "master/field")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, ids)

	ids, err = checkSequence(nil, 2, "master/field")
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = checkSequence(map[int64]string{3: "3.zip", 5: "5.zip"}, 2, "master/field")
	assert.True(t, myerrors.HasCode(err, myerrors.ErrCategorySync, myerrors.CodeSequenceGap))

	_, err = checkSequence(map[int64]string{4: "4.zip"}, 2, "master/field")
	assert.True(t, myerrors.HasCode(err, myerrors.ErrCategorySync, myerrors.CodeSequenceGap))
}

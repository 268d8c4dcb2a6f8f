package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveAndLoad(t *testing.T) {
	archive, err := NewRawPayloadArchive(filepath.Join(t.TempDir(), "raw"))
	require.NoError(t, err)

	name, err := archive.Archive("../p1", "chapter-slot-0", "{not json")
	require.NoError(t, err)
	assert.Contains(t, name, "chapter-slot-0")

	names, err := archive.List("../p1")
	require.NoError(t, err)
	assert.Equal(t, []string{name}, names)

	data, err := archive.Load("../p1", name)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))

	_, err = archive.Load("../p1", "../"+name)
	assert.Error(t, err)

	empty, err := archive.List("unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestArchivePruneKeepsNewest(t *testing.T) {
	archive, err := NewRawPayloadArchive(t.TempDir())
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	archive.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	var names []string
	for i := 0; i < 5; i++ {
		name, err := archive.Archive("p1", fmt.Sprintf("purpose%d", i), "raw")
		require.NoError(t, err)
		names = append(names, name)
	}

	removed, err := archive.Prune("p1", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	left, err := archive.List("p1")
	require.NoError(t, err)
	assert.Equal(t, names[3:], left)
}

package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type descriptor struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Total int64  `json:"total"`
}

func TestStore_SaveLoadJSON(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	in := descriptor{ID: "job-1", State: "running", Total: 42}
	require.NoError(t, s.SaveJSON("job-1", "job.json", in))

	var out descriptor
	require.NoError(t, s.LoadJSON("job-1", "job.json", &out))
	assert.Equal(t, in, out)

	// no temp leftovers
	entries, err := os.ReadDir(s.JobDir("job-1"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestStore_LoadJSON_Missing(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	var out descriptor
	err = s.LoadJSON("nope", "job.json", &out)
	assert.True(t, os.IsNotExist(err))
}

func TestStore_Cursors(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.SaveCursor("job-1", "1234", 100))
	require.NoError(t, s.SaveCursor("job-1", "1234", 250))
	require.NoError(t, s.SaveCursor("job-1", "5678", 7))

	cursors, err := s.LoadCursors("job-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"1234": 250, "5678": 7}, cursors)

	// empty for unknown jobs
	cursors, err = s.LoadCursors("other")
	require.NoError(t, err)
	assert.Empty(t, cursors)
}

func TestStore_AppendMessages(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	type rec struct {
		ID   int    `json:"id"`
		Text string `json:"text"`
	}
	require.NoError(t, s.AppendMessages("job-1", "1234", []any{rec{1, "a"}, rec{2, "b"}}))
	require.NoError(t, s.AppendMessages("job-1", "1234", []any{rec{3, "c"}}))

	f, err := os.Open(filepath.Join(s.JobDir("job-1"), "messages", "1234.ndjson"))
	require.NoError(t, err)
	defer f.Close()

	var ids []int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r rec
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []int{1, 2, 3}, ids)
}

func TestStore_ListAndDelete(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.SaveJSON("a", "job.json", descriptor{ID: "a"}))
	require.NoError(t, s.SaveJSON("b", "job.json", descriptor{ID: "b"}))

	jobs, err := s.ListJobs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, jobs)

	require.NoError(t, s.DeleteJob("a"))
	jobs, err = s.ListJobs()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, jobs)
}

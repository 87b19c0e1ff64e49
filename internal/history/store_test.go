package history

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	u "github.com/serverledge-faas/offloadge/utils"
)

func rec(app string, method string, loc Location, dur int64) Record {
	return Record{AppName: app, MethodName: method, Location: loc, ExecDuration: dur, UlRate: 1, DlRate: 1, Timestamp: dur}
}

func TestHistoryIsBounded(t *testing.T) {
	s := NewStore()
	for i := 1; i <= 60; i++ {
		s.Record(rec("demo", "nqueens", LOCAL, int64(i)))
	}

	all := s.HistoryFor("demo", "nqueens", AnyLocation)
	u.AssertEquals(t, MaxHistory, len(all))
	// newest first, the ten oldest are gone
	u.AssertEquals(t, int64(60), all[0].ExecDuration)
	u.AssertEquals(t, int64(11), all[MaxHistory-1].ExecDuration)
	u.AssertEquals(t, MaxHistory, s.Len())
}

func TestHistoryFiltering(t *testing.T) {
	s := NewStore()
	s.Record(rec("demo", "m", LOCAL, 1))
	s.Record(rec("demo", "m", REMOTE, 2))
	s.Record(rec("other", "m", REMOTE, 3))
	s.Record(rec("demo", "n", REMOTE, 4))

	remote := s.HistoryFor("demo", "m", REMOTE)
	u.AssertEquals(t, 1, len(remote))
	u.AssertEquals(t, int64(2), remote[0].ExecDuration)

	mixed := s.RecentMixed("m", 10)
	u.AssertEquals(t, 3, len(mixed))
	u.AssertEquals(t, "other", mixed[0].AppName)

	u.AssertEquals(t, 2, s.CountFor("demo", "m", AnyLocation))
	u.AssertEquals(t, 0, s.CountFor("demo", "missing", LOCAL))
	u.AssertEmptySlice(t, s.HistoryFor("demo", "missing", LOCAL))

	last, found := s.LastExecution("m")
	u.AssertTrue(t, found)
	u.AssertEquals(t, REMOTE, last.Location)
	u.AssertEquals(t, "other", last.AppName)
}

func TestConcurrentRecords(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				s.Record(rec("demo", "m", LOCAL, int64(i*10+j)))
			}
		}(i)
	}
	wg.Wait()
	u.AssertEquals(t, MaxHistory, s.Len())
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	s := NewStore()
	for i := 1; i <= 5; i++ {
		s.Record(rec("demo", "m", REMOTE, int64(i)))
	}
	s.Record(rec("demo", "k", LOCAL, 9))
	require.NoError(t, s.Save(path))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	loaded := NewStore()
	require.NoError(t, loaded.Load(path))
	assert.Equal(t, 6, loaded.Len())
	assert.Equal(t, s.HistoryFor("demo", "m", REMOTE), loaded.HistoryFor("demo", "m", REMOTE))

	summaries, err := Inspect(path)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "k", summaries[0].Method)
	assert.Equal(t, 1, summaries[0].Local)
	assert.Equal(t, 5, summaries[1].Remote)
	assert.Equal(t, int64(5), summaries[1].NewestTimestamp)
}

func TestLoadMissingOrCorrupted(t *testing.T) {
	dir := t.TempDir()

	s := NewStore()
	s.Record(rec("demo", "m", LOCAL, 1))
	require.NoError(t, s.Load(filepath.Join(dir, "missing.json")))
	assert.Equal(t, 0, s.Len())

	corrupted := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(corrupted, []byte("{not json"), 0o644))
	s.Record(rec("demo", "m", LOCAL, 1))
	err := s.Load(corrupted)
	assert.ErrorIs(t, err, ErrCorruptedHistory)
	assert.Equal(t, 0, s.Len())

	_, err = Inspect(corrupted)
	assert.Error(t, err)
}

func TestCSVLog(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenCSVLog(dir)
	require.NoError(t, err)

	s := NewStore().WithCSVLog(l)
	s.Record(rec("demo", "m", REMOTE, 7))
	s.Record(rec("demo", "m", LOCAL, 8))

	// reopening keeps the existing content
	_, err = OpenCSVLog(dir)
	require.NoError(t, err)

	content, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "#AppName,MethodName,ExecLocation"))
	assert.True(t, strings.HasPrefix(lines[1], "demo,m,REMOTE,"))
}

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "clusterjobs/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "bolt"}, logx.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bolt")
}

func TestFileStoreRecordAndQuery(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		job := "a"
		if i%2 == 1 {
			job = "b"
		}
		require.NoError(t, st.RecordRun(ctx, Run{At: base.Add(time.Duration(i) * time.Second), Job: job, Outcome: "ran", TookMS: int64(i)}))
	}

	all, err := st.RecentRuns(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, int64(4), all[0].TookMS, "newest first")

	onlyB, err := st.RecentRuns(ctx, Query{Job: "b", Limit: 1})
	require.NoError(t, err)
	require.Len(t, onlyB, 1)
	assert.Equal(t, int64(3), onlyB[0].TookMS)

	require.NoError(t, st.Close())

	// Reopen replays the journal.
	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	all, err = st.RecentRuns(ctx, Query{})
	require.NoError(t, err)
	assert.Len(t, all, 5)
	assert.True(t, all[4].At.Equal(base))
}

func TestFileStoreCompactsToRetain(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs")
	st, err := Open(Config{Driver: "file", Path: path, Retain: 3}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, st.RecordRun(ctx, Run{Job: "j", Outcome: "ran", TookMS: int64(i)}))
	}
	runs, err := st.RecentRuns(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []int64{9, 8, 7}, []int64{runs[0].TookMS, runs[1].TookMS, runs[2].TookMS})

	fs := st.(*fileStore)
	assert.Less(t, fs.written, 6)
}

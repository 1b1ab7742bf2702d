package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteCSVEmptyRunLeavesNoFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "loadgen.csv")
	require.Error(t, writeCSV(path, nil))

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "an empty run must not create the output file")
}

func TestWriteCSVWritesHeaderAndRows(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "loadgen.csv")
	results := []burstResult{
		{At: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), Sent: 10, Allowed: 7, Denied: 3},
	}
	require.NoError(t, writeCSV(path, results))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "time,sent,allowed,denied,errors")
	require.Contains(t, string(data), "2024-06-01T12:00:00Z,10,7,3,0")
}

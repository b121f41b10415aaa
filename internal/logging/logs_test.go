package logging

import (
	"bytes"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLog = `{"time":"2026-03-01T10:00:02Z","level":"INFO","msg":"node completed","run_id":"r1","node":"planner","role":"planner","revision":2}
not json
{"time":"2026-03-01T10:00:01Z","level":"DEBUG","msg":"node started","run_id":"r1","node":"planner","role":"planner"}

{"time":"2026-03-01T10:00:03Z","level":"WARN","msg":"retrying node","run_id":"r2","node":"researcher","role":"researcher","attempt":1}
{"time":"2026-03-01T10:00:04Z","level":"ERROR","msg":"run failed","run_id":"r2"}
`

func TestParseLogs(t *testing.T) {
	entries, err := ParseLogs(strings.NewReader(sampleLog))
	require.NoError(t, err)
	require.Len(t, entries, 4)

	e := entries[0]
	assert.Equal(t, "INFO", e.Level)
	assert.Equal(t, "node completed", e.Message)
	assert.Equal(t, "r1", e.RunID)
	assert.Equal(t, "planner", e.Node)
	assert.Equal(t, "planner", e.Role)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 2, 0, time.UTC), e.Time.UTC())
	assert.Equal(t, map[string]any{"revision": float64(2)}, e.Attrs)
	assert.Nil(t, entries[3].Attrs)
}

func TestReadLogs_IncludesBackups(t *testing.T) {
	dir := t.TempDir()
	lines := strings.Split(strings.TrimSpace(sampleLog), "\n")
	base := filepath.Join(dir, LogFileName)
	require.NoError(t, os.WriteFile(base, []byte(lines[5]+"\n"), 0o644))
	require.NoError(t, os.WriteFile(base+".1", []byte(lines[0]+"\n"+lines[4]+"\n"), 0o644))

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write([]byte(lines[2] + "\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(base+".2.gz", gz.Bytes(), 0o644))

	entries, err := ReadLogs(dir)
	require.NoError(t, err)
	var msgs []string
	for _, e := range entries {
		msgs = append(msgs, e.Message)
	}
	assert.Equal(t, []string{"node started", "node completed", "retrying node", "run failed"}, msgs)
}

func TestReadLogs_MissingFile(t *testing.T) {
	_, err := ReadLogs(t.TempDir())
	assert.Error(t, err)
}

func TestFilterLogs(t *testing.T) {
	entries, err := ParseLogs(strings.NewReader(sampleLog))
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"empty", Filter{}, []string{"node completed", "node started", "retrying node", "run failed"}},
		{"level", Filter{Level: "warn"}, []string{"retrying node", "run failed"}},
		{"run", Filter{RunID: "r1"}, []string{"node completed", "node started"}},
		{"node", Filter{Node: "researcher"}, []string{"retrying node"}},
		{"since", Filter{Since: time.Date(2026, 3, 1, 10, 0, 3, 0, time.UTC)}, []string{"retrying node", "run failed"}},
		{"until", Filter{Until: time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC)}, []string{"node started"}},
		{"contains", Filter{Contains: "node", RunID: "r2"}, []string{"retrying node"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, e := range FilterLogs(entries, tt.filter) {
				got = append(got, e.Message)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExport(t *testing.T) {
	entries, err := ParseLogs(strings.NewReader(sampleLog))
	require.NoError(t, err)
	entries = entries[:1]

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Export(&buf, entries, FormatText))
		assert.Equal(t, "2026-03-01 10:00:02.000 INFO  [planner/planner] node completed {\"revision\":2}\n", buf.String())
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Export(&buf, entries, FormatJSON))
		var decoded []Entry
		require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
		require.Len(t, decoded, 1)
		assert.Equal(t, "r1", decoded[0].RunID)
	})

	t.Run("csv", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Export(&buf, entries, FormatCSV))
		records, err := csv.NewReader(&buf).ReadAll()
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "run_id", records[0][3])
		assert.Equal(t, "r1", records[1][3])
	})

	t.Run("unknown", func(t *testing.T) {
		assert.Error(t, Export(&bytes.Buffer{}, entries, "xml"))
	})
}

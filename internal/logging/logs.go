package logging

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Entry is one parsed log record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	RunID   string         `json:"run_id,omitempty"`
	Node    string         `json:"node,omitempty"`
	Role    string         `json:"role,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Filter selects entries. Zero fields match everything; set fields are
// combined with AND.
type Filter struct {
	Level    string // minimum level
	RunID    string
	Node     string
	Since    time.Time
	Until    time.Time
	Contains string // substring of the message
}

var levelRank = map[string]int{LevelDebug: 0, LevelInfo: 1, LevelWarn: 2, LevelError: 3}

// Export formats accepted by [Export].
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ReadLogs parses ragents.log in logDir together with its rotated backups,
// gzipped or not. Lines that are not JSON records are skipped. Entries are
// returned oldest first.
func ReadLogs(logDir string) ([]Entry, error) {
	base := filepath.Join(logDir, LogFileName)
	if _, err := os.Stat(base); err != nil {
		return nil, fmt.Errorf("no log file in %s: %w", logDir, err)
	}
	backups, err := filepath.Glob(base + ".*")
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, path := range append(backups, base) {
		read, err := readFile(path)
		if err != nil {
			return nil, err
		}
		entries = append(entries, read...)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Time.Before(entries[j].Time) })
	return entries, nil
}

func readFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer func() { _ = zr.Close() }()
		r = zr
	}
	return ParseLogs(r)
}

// ParseLogs reads JSON log records from r, one per line.
func ParseLogs(r io.Reader) ([]Entry, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 4<<20)

	var entries []Entry
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if e, ok := parseEntry(line); ok {
			entries = append(entries, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("error reading log: %w", err)
	}
	return entries, nil
}

func parseEntry(line string) (Entry, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Entry{}, false
	}
	str := func(key string) string {
		v, _ := raw[key].(string)
		delete(raw, key)
		return v
	}
	e := Entry{
		Level:   str("level"),
		Message: str("msg"),
		RunID:   str("run_id"),
		Node:    str("node"),
		Role:    str("role"),
	}
	if t, err := time.Parse(time.RFC3339Nano, str("time")); err == nil {
		e.Time = t
	}
	if len(raw) > 0 {
		e.Attrs = raw
	}
	return e, true
}

// FilterLogs returns the entries matching f.
func FilterLogs(entries []Entry, f Filter) []Entry {
	if f == (Filter{}) {
		return entries
	}
	var out []Entry
	for _, e := range entries {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

func (f Filter) matches(e Entry) bool {
	if f.Level != "" {
		minRank, okMin := levelRank[strings.ToUpper(f.Level)]
		got, okGot := levelRank[e.Level]
		if okMin && okGot && got < minRank {
			return false
		}
	}
	switch {
	case f.RunID != "" && e.RunID != f.RunID,
		f.Node != "" && e.Node != f.Node,
		!f.Since.IsZero() && e.Time.Before(f.Since),
		!f.Until.IsZero() && e.Time.After(f.Until),
		f.Contains != "" && !strings.Contains(e.Message, f.Contains):
		return false
	}
	return true
}

// Export writes entries to w as text, json or csv.
func Export(w io.Writer, entries []Entry, format string) error {
	switch strings.ToLower(format) {
	case "", FormatText:
		return exportText(w, entries)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case FormatCSV:
		return exportCSV(w, entries)
	default:
		return fmt.Errorf("unsupported export format: %s (supported: %s, %s, %s)", format, FormatText, FormatJSON, FormatCSV)
	}
}

// exportText writes one line per entry:
// 15:04:05.000 LEVEL [node/role] message {attrs}
func exportText(w io.Writer, entries []Entry) error {
	for _, e := range entries {
		var sb strings.Builder
		sb.WriteString(e.Time.Format("2006-01-02 15:04:05.000"))
		fmt.Fprintf(&sb, " %-5s", e.Level)
		if e.Node != "" || e.Role != "" {
			fmt.Fprintf(&sb, " [%s/%s]", e.Node, e.Role)
		}
		sb.WriteString(" " + e.Message)
		if len(e.Attrs) > 0 {
			attrs, _ := json.Marshal(e.Attrs)
			sb.WriteString(" " + string(attrs))
		}
		sb.WriteByte('\n')
		if _, err := io.WriteString(w, sb.String()); err != nil {
			return fmt.Errorf("failed to write log entry: %w", err)
		}
	}
	return nil
}

func exportCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"time", "level", "message", "run_id", "node", "role", "attrs"}); err != nil {
		return err
	}
	for _, e := range entries {
		attrs := ""
		if len(e.Attrs) > 0 {
			b, _ := json.Marshal(e.Attrs)
			attrs = string(b)
		}
		record := []string{e.Time.Format(time.RFC3339Nano), e.Level, e.Message, e.RunID, e.Node, e.Role, attrs}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

package artifacts

import (
	"encoding/csv"
	"io"
	"sort"
	"strconv"

	"codeberg.org/mutker/canlogd/internal/sampler"
)

const (
	// TimestampFormat is local time with microseconds.
	TimestampFormat = "2006-01-02T15:04:05.000000"

	columnTimestamp = "timestamp"
	columnElapsed   = "elapsed_ms"
)

// Columns returns the header for entries: timestamp, elapsed_ms, then
// every signal name seen in any entry, sorted.
func Columns(entries []sampler.Entry) []string {
	seen := make(map[string]struct{})
	for _, e := range entries {
		for name := range e.Values {
			seen[name] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		if name == columnTimestamp || name == columnElapsed {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	return append([]string{columnTimestamp, columnElapsed}, names...)
}

// WriteCSV serializes entries with one row per entry. Signals missing
// from an entry are written as empty fields.
func WriteCSV(w io.Writer, entries []sampler.Entry) error {
	columns := Columns(entries)

	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}

	row := make([]string, len(columns))
	for _, e := range entries {
		row[0] = e.Timestamp.Local().Format(TimestampFormat)
		row[1] = strconv.FormatInt(int64(e.ElapsedMS), 10)
		for i, name := range columns[2:] {
			if v, ok := e.Values[name]; ok {
				row[i+2] = strconv.FormatFloat(v, 'f', -1, 64)
			} else {
				row[i+2] = ""
			}
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

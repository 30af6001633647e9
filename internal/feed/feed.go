// Package feed loads CSV and JSON data files that parameterize scripted
// users. Each iteration of a user draws one row from every feed.
package feed

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"perfx/internal/config"
	"perfx/internal/core"
)

// Feed is a loaded data file. It is safe for concurrent use by all users of
// a run.
type Feed struct {
	name   string
	rows   []map[string]any
	mode   config.DataMode
	cursor atomic.Uint64
}

// New creates a feed over rows. An empty mode selects rows in order.
func New(name string, rows []map[string]any, mode config.DataMode) *Feed {
	if mode == "" {
		mode = config.DataSequential
	}
	return &Feed{name: name, rows: rows, mode: mode}
}

func (f *Feed) Name() string { return f.name }

func (f *Feed) Len() int { return len(f.rows) }

// Next returns the next row. Sequential feeds wrap around after the last row.
func (f *Feed) Next() map[string]any {
	if len(f.rows) == 0 {
		return nil
	}
	if f.mode == config.DataRandom {
		return f.rows[rand.IntN(len(f.rows))]
	}
	n := f.cursor.Add(1) - 1
	return f.rows[n%uint64(len(f.rows))]
}

// Load reads a .csv or .json file. A relative path is resolved against dir.
func Load(name, path string, mode config.DataMode, dir string) (*Feed, error) {
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}

	var (
		rows []map[string]any
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		rows, err = readCSV(path)
	case ".json":
		rows, err = readJSON(path)
	default:
		return nil, fmt.Errorf("feed %s: unsupported file format %q (use .csv or .json)", name, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("feed %s: loading %s: %w", name, path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("feed %s: %s has no rows", name, path)
	}
	return New(name, rows, mode), nil
}

// readCSV treats the first record as the header. Short records are padded
// with empty strings.
func readCSV(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("CSV needs a header row and at least one data row")
	}

	header := records[0]
	rows := make([]map[string]any, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			} else {
				row[col] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func readJSON(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("JSON must be an array of objects: %w", err)
	}
	return rows, nil
}

// Set is the collection of feeds declared by one script.
type Set map[string]*Feed

// LoadScript loads every feed the script declares.
func LoadScript(script *config.Script) (Set, error) {
	if len(script.Data) == 0 {
		return nil, nil
	}
	set := make(Set, len(script.Data))
	for name, dc := range script.Data {
		f, err := Load(name, dc.File, dc.Mode, script.Dir)
		if err != nil {
			return nil, err
		}
		set[name] = f
	}
	return set, nil
}

// Names returns the feed names in sorted order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Inject draws a row from every feed and exposes its columns as
// data.<feed>.<column>.
func (s Set) Inject(vars core.Variables) {
	for name, f := range s {
		for col, val := range f.Next() {
			vars.Set("data."+name+"."+col, val)
		}
	}
}

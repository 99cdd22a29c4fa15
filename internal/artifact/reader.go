package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ansible/ansible-runner/internal/event"
	"github.com/ansible/ansible-runner/internal/status"
)

// Reader gives ordered access to a finished (or in-progress) artifact
// directory.
type Reader struct {
	dir string
}

func NewReader(dir string) *Reader {
	return &Reader{dir: dir}
}

// Events returns every persisted event in counter order. Files that do
// not follow the <counter>-<uuid>.json naming are ignored; a file that
// matches but fails to decode aborts with a MalformedEventError so the
// caller can tell corruption from absence.
func (r *Reader) Events() ([]event.Record, error) {
	eventsDir := filepath.Join(r.dir, eventsDirName)
	entries, err := os.ReadDir(eventsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	type indexed struct {
		counter int
		name    string
	}
	var files []indexed
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		c, ok := parseEventFileName(e.Name())
		if !ok {
			continue
		}
		files = append(files, indexed{counter: c, name: e.Name()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].counter < files[j].counter })

	records := make([]event.Record, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(eventsDir, f.name))
		if err != nil {
			return nil, err
		}
		rec, err := event.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("artifact: event file %s: %w", f.name, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// ByUUID indexes the persisted events for parent lookups. Parent
// references may point at events persisted after their children, so
// resolution only makes sense over the full set.
func (r *Reader) ByUUID() (map[string]event.Record, error) {
	records, err := r.Events()
	if err != nil {
		return nil, err
	}
	m := make(map[string]event.Record, len(records))
	for _, rec := range records {
		m[rec.UUID] = rec
	}
	return m, nil
}

// Children returns the events whose parent_uuid is parent, in counter
// order.
func (r *Reader) Children(parent string) ([]event.Record, error) {
	records, err := r.Events()
	if err != nil {
		return nil, err
	}
	var out []event.Record
	for _, rec := range records {
		if rec.ParentUUID == parent {
			out = append(out, rec)
		}
	}
	return out, nil
}

// HostEvents returns the host result events for one host.
func (r *Reader) HostEvents(host string) ([]event.Record, error) {
	records, err := r.Events()
	if err != nil {
		return nil, err
	}
	var out []event.Record
	for _, rec := range records {
		if rec.Event.HostResult() && rec.Host() == host {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Stats returns the recap from the final stats event, or nil when the
// run produced none.
func (r *Reader) Stats() (*event.Stats, error) {
	records, err := r.Events()
	if err != nil {
		return nil, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Event == event.KindStats {
			return event.ExtractStats(records[i]), nil
		}
	}
	return nil, nil
}

// Status reads the finalized status and return code. ok is false while
// the run is still in flight.
func (r *Reader) Status() (st status.Status, rc int, ok bool, err error) {
	raw, err := os.ReadFile(filepath.Join(r.dir, statusFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", 0, false, nil
		}
		return "", 0, false, err
	}
	st = status.Status(strings.TrimSpace(string(raw)))

	rcRaw, err := os.ReadFile(filepath.Join(r.dir, rcFileName))
	if err != nil {
		return "", 0, false, err
	}
	rc, err = strconv.Atoi(strings.TrimSpace(string(rcRaw)))
	if err != nil {
		return "", 0, false, fmt.Errorf("artifact: bad rc file: %w", err)
	}
	return st, rc, true, nil
}

// Stdout opens the reconstructed output stream.
func (r *Reader) Stdout() (*os.File, error) {
	return os.Open(filepath.Join(r.dir, stdoutFileName))
}

// parseEventFileName extracts the counter from <counter>-<uuid>.json.
func parseEventFileName(name string) (int, bool) {
	if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
		return 0, false
	}
	dash := strings.IndexByte(name, '-')
	if dash <= 0 {
		return 0, false
	}
	c, err := strconv.Atoi(name[:dash])
	if err != nil || c < 1 {
		return 0, false
	}
	return c, true
}

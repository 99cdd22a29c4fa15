package registry

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ansible/ansible-runner/internal/status"
)

func open(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestBeginFinishGet(t *testing.T) {
	r := open(t)
	if err := r.Begin("job1", "/data/p1", 123); err != nil {
		t.Fatal(err)
	}
	run, err := r.Get("job1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != status.Running || run.PID != 123 || !run.FinishedAt.IsZero() {
		t.Fatalf("running record: %+v", run)
	}

	if err := r.Finish("job1", status.Successful, 0); err != nil {
		t.Fatal(err)
	}
	run, err = r.Get("job1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != status.Successful || run.RC != 0 || run.FinishedAt.IsZero() {
		t.Fatalf("finished record: %+v", run)
	}
}

func TestGetUnknown(t *testing.T) {
	r := open(t)
	if _, err := r.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if err := r.Finish("nope", status.Failed, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("finish err = %v", err)
	}
}

func TestRerunReplacesRecord(t *testing.T) {
	r := open(t)
	if err := r.Begin("job", "/d", 1); err != nil {
		t.Fatal(err)
	}
	if err := r.Finish("job", status.Failed, 2); err != nil {
		t.Fatal(err)
	}
	if err := r.Begin("job", "/d", 99); err != nil {
		t.Fatal(err)
	}
	run, err := r.Get("job")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != status.Running || run.RC != 0 || run.PID != 99 {
		t.Fatalf("rerun record: %+v", run)
	}
	if !run.FinishedAt.IsZero() {
		t.Fatal("rerun kept stale finished_at")
	}
}

func TestListOrder(t *testing.T) {
	r := open(t)
	for _, ident := range []string{"a", "b", "c"} {
		if err := r.Begin(ident, "/d", 1); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := r.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Fatalf("runs = %d", len(runs))
	}
}

func TestPruneSparesRunning(t *testing.T) {
	r := open(t)
	if err := r.Begin("old", "/d", 1); err != nil {
		t.Fatal(err)
	}
	if err := r.Finish("old", status.Successful, 0); err != nil {
		t.Fatal(err)
	}
	if err := r.Begin("live", "/d", 2); err != nil {
		t.Fatal(err)
	}
	// Backdate the finished run past any cutoff.
	if _, err := r.db.Exec(`UPDATE runs SET finished_at = 1 WHERE ident = 'old'`); err != nil {
		t.Fatal(err)
	}

	n, err := r.PruneOlderThan(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, err := r.Get("old"); !errors.Is(err, ErrNotFound) {
		t.Fatal("old run survived prune")
	}
	if _, err := r.Get("live"); err != nil {
		t.Fatal("running run was pruned")
	}
}

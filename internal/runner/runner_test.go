package runner

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ansible/ansible-runner/internal/artifact"
	"github.com/ansible/ansible-runner/internal/config"
	"github.com/ansible/ansible-runner/internal/event"
	"github.com/ansible/ansible-runner/internal/status"
	"github.com/ansible/ansible-runner/internal/supervise"
)

// marked returns a shell-safe embedded event payload the way the child
// side emits one.
func marked(t *testing.T, uuid, kind string) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"uuid": uuid, "event": kind})
	if err != nil {
		t.Fatal(err)
	}
	b64 := base64.StdEncoding.EncodeToString(raw)
	return "\x1b[K" + b64 + "\x1b[1D" + "\x1b[K"
}

type observer struct {
	mu       sync.Mutex
	events   []event.Record
	statuses []status.Status
}

func (o *observer) callbacks() Callbacks {
	return Callbacks{
		Event: func(r event.Record) bool {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.events = append(o.events, r)
			return true
		},
		Status: func(s status.Status) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.statuses = append(o.statuses, s)
		},
	}
}

func (o *observer) statusList() []status.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]status.Status{}, o.statuses...)
}

func readStdout(t *testing.T, dir string) string {
	t.Helper()
	f, err := artifact.NewReader(dir).Stdout()
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestRunSuccessful(t *testing.T) {
	obs := &observer{}
	cfg := &config.JobConfig{
		PrivateDataDir: t.TempDir(),
		Ident:          "job1",
		Command:        []string{"/bin/sh", "-c", "echo plain output"},
	}
	r := New(cfg, obs.callbacks(), nil)
	st, rc, err := r.Run()
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if st != status.Successful || rc != 0 {
		t.Fatalf("status = %v rc = %d", st, rc)
	}

	want := []status.Status{status.Starting, status.Running, status.Successful}
	got := obs.statusList()
	if len(got) != len(want) {
		t.Fatalf("statuses = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", got, want)
		}
	}

	if !strings.Contains(readStdout(t, cfg.ArtifactDir()), "plain output") {
		t.Fatal("stdout artifact missing child output")
	}
	rst, rrc, ok, err := artifact.NewReader(cfg.ArtifactDir()).Status()
	if err != nil || !ok {
		t.Fatalf("artifact status: ok=%v err=%v", ok, err)
	}
	if rst != status.Successful || rrc != 0 {
		t.Fatalf("artifact status = %v rc = %d", rst, rrc)
	}
}

// Jobs with distinct idents share one private data dir; the run path
// takes no dir-wide lock, so both must finish.
func TestConcurrentRunsShareDataDir(t *testing.T) {
	dir := t.TempDir()

	run := func(ident string) (status.Status, int, error) {
		cfg := &config.JobConfig{
			PrivateDataDir: dir,
			Ident:          ident,
			Command:        []string{"/bin/sh", "-c", "sleep 0.2; echo " + ident},
		}
		return New(cfg, Callbacks{}, nil).Run()
	}

	type outcome struct {
		st  status.Status
		rc  int
		err error
	}
	results := make(chan outcome, 2)
	for _, ident := range []string{"job-a", "job-b"} {
		go func(ident string) {
			st, rc, err := run(ident)
			results <- outcome{st, rc, err}
		}(ident)
	}
	for i := 0; i < 2; i++ {
		res := <-results
		if res.err != nil {
			t.Fatalf("run %d: %v", i, res.err)
		}
		if res.st != status.Successful || res.rc != 0 {
			t.Fatalf("run %d: status = %v rc = %d", i, res.st, res.rc)
		}
	}

	for _, ident := range []string{"job-a", "job-b"} {
		cfg := &config.JobConfig{PrivateDataDir: dir, Ident: ident}
		if !strings.Contains(readStdout(t, cfg.ArtifactDir()), ident) {
			t.Fatalf("%s stdout artifact missing", ident)
		}
	}
}

func TestRunFailingChild(t *testing.T) {
	cfg := &config.JobConfig{
		PrivateDataDir: t.TempDir(),
		Ident:          "fail",
		Command:        []string{"/bin/sh", "-c", "exit 7"},
	}
	st, rc, err := New(cfg, Callbacks{}, nil).Run()
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if st != status.Failed || rc != 7 {
		t.Fatalf("status = %v rc = %d", st, rc)
	}
}

func TestStructuredEventPersisted(t *testing.T) {
	cfg := &config.JobConfig{
		PrivateDataDir: t.TempDir(),
		Ident:          "structured",
		Command: []string{"/bin/sh", "-c",
			`printf '%s' "$0"; echo task done`, marked(t, "eeee-0001", "runner_on_ok")},
	}
	st, _, err := New(cfg, Callbacks{}, nil).Run()
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if st != status.Successful {
		t.Fatalf("status = %v", st)
	}
	records, err := artifact.NewReader(cfg.ArtifactDir()).Events()
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, rec := range records {
		if rec.UUID == "eeee-0001" {
			found = true
			if rec.Event != event.KindRunnerOK {
				t.Fatalf("kind = %v", rec.Event)
			}
			if !strings.Contains(rec.Stdout, "task done") {
				t.Fatalf("span = %q", rec.Stdout)
			}
		}
	}
	if !found {
		t.Fatalf("structured event missing from %d records", len(records))
	}
}

// Output read before a cancel lands must survive into the artifacts.
func TestCancelFlushesReadOutput(t *testing.T) {
	obs := &observer{}
	cfg := &config.JobConfig{
		PrivateDataDir: t.TempDir(),
		Ident:          "cancelme",
		Command:        []string{"/bin/sh", "-c", "echo before cancel; sleep 30"},
	}
	r := New(cfg, obs.callbacks(), nil)
	go func() {
		time.Sleep(400 * time.Millisecond)
		r.Cancel()
	}()
	start := time.Now()
	st, _, err := r.Run()
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if st != status.Canceled {
		t.Fatalf("status = %v", st)
	}
	if time.Since(start) > 15*time.Second {
		t.Fatal("cancel did not stop the child promptly")
	}
	if !strings.Contains(readStdout(t, cfg.ArtifactDir()), "before cancel") {
		t.Fatal("pre-cancel output lost")
	}
}

func TestJobTimeoutBeatsBusyChild(t *testing.T) {
	cfg := &config.JobConfig{
		PrivateDataDir: t.TempDir(),
		Ident:          "deadline",
		Command:        []string{"/bin/sh", "-c", "while true; do echo tick; sleep 0.1; done"},
		IdleTimeout:    30 * time.Second,
		JobTimeout:     time.Second,
	}
	start := time.Now()
	st, rc, err := New(cfg, Callbacks{}, nil).Run()
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if st != status.Timeout {
		t.Fatalf("status = %v", st)
	}
	if rc != supervise.TimeoutRC {
		t.Fatalf("rc = %d, want %d", rc, supervise.TimeoutRC)
	}
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Fatalf("took %v", elapsed)
	}
}

func TestEventHandlerVetoSkipsPersistence(t *testing.T) {
	seen := 0
	cfg := &config.JobConfig{
		PrivateDataDir: t.TempDir(),
		Ident:          "veto",
		Command:        []string{"/bin/sh", "-c", "echo one; echo two"},
	}
	cbs := Callbacks{Event: func(event.Record) bool { seen++; return false }}
	if _, _, err := New(cfg, cbs, nil).Run(); err != nil {
		t.Fatalf("err = %v", err)
	}
	if seen == 0 {
		t.Fatal("handler never saw records")
	}
	records, err := artifact.NewReader(cfg.ArtifactDir()).Events()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("vetoed records persisted: %d", len(records))
	}
}

func TestSetupFailureNeverStarts(t *testing.T) {
	cfg := &config.JobConfig{
		PrivateDataDir: t.TempDir(),
		Ident:          "nosuch",
		Command:        []string{"this-binary-does-not-exist-anywhere"},
	}
	st, _, err := New(cfg, Callbacks{}, nil).Run()
	if err == nil {
		t.Fatal("expected setup error")
	}
	var se *config.SetupError
	if !errors.As(err, &se) {
		t.Fatalf("err = %T %v", err, err)
	}
	if st != status.Failed {
		t.Fatalf("status = %v", st)
	}
}

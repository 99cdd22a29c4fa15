package stream

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ansible/ansible-runner/internal/artifact"
	"github.com/ansible/ansible-runner/internal/config"
	"github.com/ansible/ansible-runner/internal/event"
	"github.com/ansible/ansible-runner/internal/runner"
	"github.com/ansible/ansible-runner/internal/status"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf)
	if err != nil {
		t.Fatal(err)
	}
	payloads := map[Tag][]byte{
		TagJob:    []byte(`{"ident":"x"}`),
		TagEvent:  bytes.Repeat([]byte("event data "), 1000),
		TagStatus: []byte(`{"status":"running"}`),
	}
	for _, tag := range []Tag{TagJob, TagEvent, TagStatus} {
		if err := enc.Encode(tag, payloads[tag]); err != nil {
			t.Fatal(err)
		}
	}
	if err := enc.Encode(TagEOF, nil); err != nil {
		t.Fatal(err)
	}
	enc.Close()

	dec, err := NewDecoder(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	for _, want := range []Tag{TagJob, TagEvent, TagStatus} {
		tag, payload, err := dec.Next()
		if err != nil {
			t.Fatal(err)
		}
		if tag != want || !bytes.Equal(payload, payloads[want]) {
			t.Fatalf("frame %c mismatch", want)
		}
	}
	tag, _, err := dec.Next()
	if err != nil || tag != TagEOF {
		t.Fatalf("eof frame: tag=%c err=%v", tag, err)
	}
	if _, _, err := dec.Next(); err != io.EOF {
		t.Fatalf("past end: %v", err)
	}
}

func TestFrameTruncatedMidBody(t *testing.T) {
	var buf bytes.Buffer
	enc, _ := NewEncoder(&buf)
	enc.Encode(TagEvent, bytes.Repeat([]byte("x"), 4096))
	enc.Close()

	cut := buf.Bytes()[:buf.Len()/2]
	dec, _ := NewDecoder(bytes.NewReader(cut))
	defer dec.Close()
	if _, _, err := dec.Next(); err != io.ErrUnexpectedEOF {
		t.Fatalf("err = %v, want unexpected EOF", err)
	}
}

func TestDirRoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "project", "roles"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "project", "site.yml"), []byte("- hosts: all\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "secret"), []byte("hush"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("project/site.yml", filepath.Join(src, "link")); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	enc, _ := NewEncoder(&buf)
	if err := sendDir(enc, "test", src, nil); err != nil {
		t.Fatal(err)
	}
	enc.Close()

	dec, _ := NewDecoder(&buf)
	defer dec.Close()
	tag, payload, err := dec.Next()
	if err != nil || tag != TagDir {
		t.Fatalf("header: tag=%c err=%v", tag, err)
	}
	var hdr DirHeader
	if err := json.Unmarshal(payload, &hdr); err != nil || hdr.Name != "test" {
		t.Fatalf("dir header %s err=%v", payload, err)
	}

	dst := t.TempDir()
	if err := recvDir(dec, dst, false); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dst, "project", "site.yml"))
	if err != nil || string(data) != "- hosts: all\n" {
		t.Fatalf("site.yml: %q %v", data, err)
	}
	info, err := os.Stat(filepath.Join(dst, "secret"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("secret mode = %v", info.Mode())
	}
	link, err := os.Readlink(filepath.Join(dst, "link"))
	if err != nil || link != "project/site.yml" {
		t.Fatalf("symlink: %q %v", link, err)
	}
}

func TestDirTransferSkipsExcluded(t *testing.T) {
	src := t.TempDir()
	os.MkdirAll(filepath.Join(src, "artifacts", "old"), 0o755)
	os.WriteFile(filepath.Join(src, "artifacts", "old", "stdout"), []byte("stale"), 0o600)
	os.WriteFile(filepath.Join(src, "pid"), []byte("123"), 0o600)
	os.WriteFile(filepath.Join(src, "keep"), []byte("yes"), 0o600)

	var buf bytes.Buffer
	enc, _ := NewEncoder(&buf)
	skip := func(rel string) bool { return rel == "artifacts" || rel == "pid" }
	if err := sendDir(enc, "pdd", src, skip); err != nil {
		t.Fatal(err)
	}
	enc.Close()

	dec, _ := NewDecoder(&buf)
	defer dec.Close()
	if _, _, err := dec.Next(); err != nil {
		t.Fatal(err)
	}
	dst := t.TempDir()
	if err := recvDir(dec, dst, false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dst, "keep")); err != nil {
		t.Fatal("kept file missing")
	}
	if _, err := os.Stat(filepath.Join(dst, "artifacts")); !os.IsNotExist(err) {
		t.Fatal("excluded dir transferred")
	}
	if _, err := os.Stat(filepath.Join(dst, "pid")); !os.IsNotExist(err) {
		t.Fatal("pidfile transferred")
	}
}

func TestDirTransferRejectsEscape(t *testing.T) {
	if _, err := safeJoin("/tmp/x", "../evil"); err == nil {
		t.Fatal("path escape accepted")
	}
	if _, err := safeJoin("/tmp/x", "/etc/passwd"); err == nil {
		t.Fatal("absolute path accepted")
	}
	if _, err := safeJoin("/tmp/x", "ok/../fine"); err != nil {
		t.Fatalf("clean inside path rejected: %v", err)
	}
}

// marked builds one embedded structured event the way a child emits it.
func marked(t *testing.T, uuid, kind string) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"uuid": uuid, "event": kind})
	if err != nil {
		t.Fatal(err)
	}
	return "\x1b[K" + base64.StdEncoding.EncodeToString(raw) + "\x1b[1D" + "\x1b[K"
}

func seedPrivateDir(t *testing.T) string {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "project"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "project", "hello.txt"), []byte("transferred content\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func jobConfig(dir string, t *testing.T) *config.JobConfig {
	return &config.JobConfig{
		PrivateDataDir: dir,
		Ident:          "pipejob",
		Command: []string{"/bin/sh", "-c",
			`cat project/hello.txt; printf '%s' "$0"; echo task ran`,
			marked(t, "abcd-1", "runner_on_ok")},
		IdleTimeout: 30 * time.Second,
		JobTimeout:  60 * time.Second,
	}
}

// The remote pipeline must land the same observable results as a local
// run of the same job.
func TestPipelineMatchesLocalRun(t *testing.T) {
	localCfg := jobConfig(seedPrivateDir(t), t)
	localStatus, localRC, err := runner.New(localCfg, runner.Callbacks{}, nil).Run()
	if err != nil {
		t.Fatalf("local run: %v", err)
	}

	var transmitBuf bytes.Buffer
	if err := NewTransmitter(jobConfig(seedPrivateDir(t), t), &transmitBuf, nil).Run(); err != nil {
		t.Fatalf("transmit: %v", err)
	}

	var resultBuf bytes.Buffer
	if err := NewWorker(&transmitBuf, &resultBuf, nil).Run(); err != nil {
		t.Fatalf("worker: %v", err)
	}

	procDir := t.TempDir()
	procStatus, procRC, err := NewProcessor(procDir, "", &resultBuf, runner.Callbacks{}, nil).Run()
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if procStatus != localStatus || procRC != localRC {
		t.Fatalf("remote %v/%d vs local %v/%d", procStatus, procRC, localStatus, localRC)
	}

	localEvents, err := artifact.NewReader(localCfg.ArtifactDir()).Events()
	if err != nil {
		t.Fatal(err)
	}
	remoteDir := filepath.Join(procDir, "artifacts", "pipejob")
	remoteEvents, err := artifact.NewReader(remoteDir).Events()
	if err != nil {
		t.Fatal(err)
	}
	if len(remoteEvents) != len(localEvents) {
		t.Fatalf("remote %d events vs local %d", len(remoteEvents), len(localEvents))
	}
	var localOut, remoteOut strings.Builder
	for i := range localEvents {
		if remoteEvents[i].Counter != localEvents[i].Counter {
			t.Fatalf("counter drift at %d", i)
		}
		localOut.WriteString(localEvents[i].Stdout)
		remoteOut.WriteString(remoteEvents[i].Stdout)
	}
	if localOut.String() != remoteOut.String() {
		t.Fatalf("stdout drift:\nlocal  %q\nremote %q", localOut.String(), remoteOut.String())
	}
	if !strings.Contains(remoteOut.String(), "transferred content") {
		t.Fatal("private data dir content never reached the worker")
	}

	st, rc, ok, err := artifact.NewReader(remoteDir).Status()
	if err != nil || !ok {
		t.Fatalf("remote artifact status: ok=%v err=%v", ok, err)
	}
	if st != procStatus || rc != procRC {
		t.Fatalf("artifact status %v/%d vs returned %v/%d", st, rc, procStatus, procRC)
	}
}

func TestWorkerRejectsTruncatedTransmit(t *testing.T) {
	var transmitBuf bytes.Buffer
	if err := NewTransmitter(jobConfig(seedPrivateDir(t), t), &transmitBuf, nil).Run(); err != nil {
		t.Fatal(err)
	}
	cut := transmitBuf.Bytes()[:transmitBuf.Len()-10]

	var resultBuf bytes.Buffer
	err := NewWorker(bytes.NewReader(cut), &resultBuf, nil).Run()
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("worker err = %v", err)
	}

	// The reported failure still reaches the processor cleanly.
	st, _, _ := NewProcessor(t.TempDir(), "trunc", &resultBuf, runner.Callbacks{}, nil).Run()
	if st != status.Failed {
		t.Fatalf("processor status = %v", st)
	}
}

func TestProcessorKeepsFlushedEventsOnTruncation(t *testing.T) {
	var transmitBuf bytes.Buffer
	if err := NewTransmitter(jobConfig(seedPrivateDir(t), t), &transmitBuf, nil).Run(); err != nil {
		t.Fatal(err)
	}
	var resultBuf bytes.Buffer
	if err := NewWorker(&transmitBuf, &resultBuf, nil).Run(); err != nil {
		t.Fatal(err)
	}

	// Drop the tail: the artifact transfer and the eof frame vanish.
	cut := resultBuf.Bytes()[:resultBuf.Len()*2/3]

	var seen int
	cbs := runner.Callbacks{Event: func(event.Record) bool { seen++; return true }}
	procDir := t.TempDir()
	st, _, err := NewProcessor(procDir, "", bytes.NewReader(cut), cbs, nil).Run()
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("err = %v", err)
	}
	if st != status.Failed {
		t.Fatalf("status = %v", st)
	}
	if seen == 0 {
		t.Fatal("no events delivered before the cut")
	}
	records, err := artifact.NewReader(filepath.Join(procDir, "artifacts", "pipejob")).Events()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) == 0 {
		t.Fatal("flushed events discarded on truncation")
	}
}

func TestWorkerPersistentDir(t *testing.T) {
	var transmitBuf bytes.Buffer
	if err := NewTransmitter(jobConfig(seedPrivateDir(t), t), &transmitBuf, nil).Run(); err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(t.TempDir(), "workdir")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	// Stale content must survive without --delete semantics.
	if err := os.WriteFile(filepath.Join(dir, "leftover"), []byte("old"), 0o600); err != nil {
		t.Fatal(err)
	}

	var resultBuf bytes.Buffer
	wk := NewWorker(&transmitBuf, &resultBuf, nil)
	wk.PrivateDataDir = dir
	if err := wk.Run(); err != nil {
		t.Fatalf("worker: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "leftover")); err != nil {
		t.Fatalf("leftover file: %v", err)
	}
	records, err := artifact.NewReader(filepath.Join(dir, "artifacts", "pipejob")).Events()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) == 0 {
		t.Fatal("persistent dir kept no artifacts")
	}
}

func TestWorkerPersistentDirDelete(t *testing.T) {
	var transmitBuf bytes.Buffer
	if err := NewTransmitter(jobConfig(seedPrivateDir(t), t), &transmitBuf, nil).Run(); err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(t.TempDir(), "workdir")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}

	var resultBuf bytes.Buffer
	wk := NewWorker(&transmitBuf, &resultBuf, nil)
	wk.PrivateDataDir = dir
	wk.Delete = true
	if err := wk.Run(); err != nil {
		t.Fatalf("worker: %v", err)
	}

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("delete mode left the dir behind: %v", err)
	}
	// The result stream is still complete.
	st, _, err := NewProcessor(t.TempDir(), "", &resultBuf, runner.Callbacks{}, nil).Run()
	if err != nil {
		t.Fatal(err)
	}
	if st != status.Successful {
		t.Fatalf("status = %v", st)
	}
}

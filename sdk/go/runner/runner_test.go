package runner

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunCollectsEvents(t *testing.T) {
	var out strings.Builder
	res, err := Run(context.Background(),
		WithPrivateDataDir(t.TempDir()),
		WithIdent("sdk-test"),
		WithCommand("/bin/sh", "-c", "echo from the sdk"),
		WithEventHandler(func(ev Event) bool {
			out.WriteString(ev.Stdout)
			return true
		}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != "successful" || res.RC != 0 {
		t.Fatalf("result = %+v", res)
	}
	if res.Ident != "sdk-test" {
		t.Fatalf("ident = %s", res.Ident)
	}
	if !strings.Contains(out.String(), "from the sdk") {
		t.Fatalf("events missed output: %q", out.String())
	}
}

func TestContextCancelStopsRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	start := time.Now()
	res, err := Run(ctx,
		WithPrivateDataDir(t.TempDir()),
		WithCommand("/bin/sh", "-c", "sleep 30"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != "canceled" {
		t.Fatalf("status = %s", res.Status)
	}
	if time.Since(start) > 15*time.Second {
		t.Fatal("cancel did not propagate promptly")
	}
}

func TestStatusHandlerSeesLifecycle(t *testing.T) {
	var statuses []string
	_, err := Run(context.Background(),
		WithPrivateDataDir(t.TempDir()),
		WithCommand("/bin/true"),
		WithStatusHandler(func(s string) { statuses = append(statuses, s) }))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"starting", "running", "successful"}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v", statuses)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses = %v", statuses)
		}
	}
}

func TestPipelineThroughSDK(t *testing.T) {
	var jobStream, resultStream bytes.Buffer
	err := Transmit(&jobStream,
		WithPrivateDataDir(t.TempDir()),
		WithIdent("sdk-pipe"),
		WithCommand("/bin/sh", "-c", "echo piped"))
	if err != nil {
		t.Fatal(err)
	}
	if err := Worker(&jobStream, &resultStream); err != nil {
		t.Fatal(err)
	}
	var out strings.Builder
	res, err := Process(&resultStream, t.TempDir(),
		WithEventHandler(func(ev Event) bool {
			out.WriteString(ev.Stdout)
			return true
		}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != "successful" || res.Ident != "sdk-pipe" {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(out.String(), "piped") {
		t.Fatalf("stream output = %q", out.String())
	}
}

func TestInvalidJobRejected(t *testing.T) {
	if _, err := RunAsync(WithPrivateDataDir(t.TempDir())); err == nil {
		t.Fatal("job with nothing to run accepted")
	}
}

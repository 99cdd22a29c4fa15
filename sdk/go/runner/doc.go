// Package runner provides in-process job execution for Go programs
// that embed the runner instead of shelling out to the CLI. It exposes
// the same pipeline the CLI drives: local runs with live event
// delivery, and the transmit/worker/process stages for remote
// execution over any byte stream.
//
// Usage:
//
//	res, err := runner.Run(ctx,
//	    runner.WithPrivateDataDir("/data/job"),
//	    runner.WithPlaybook("site.yml"),
//	    runner.WithEventHandler(func(ev runner.Event) bool {
//	        fmt.Print(ev.Stdout)
//	        return true
//	    }))
//
// The SDK links directly against internal packages for zero-subprocess
// overhead. External users import
// github.com/ansible/ansible-runner/sdk/go/runner.
package runner

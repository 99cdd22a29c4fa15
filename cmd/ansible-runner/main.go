// ansible-runner — job execution and event streaming for automation
// runs. Supervises external commands, assembles their output into
// ordered event artifacts, and carries jobs between hosts through the
// transmit/worker/process pipeline.
package main

import "github.com/ansible/ansible-runner/internal/cli"

func main() {
	cli.Execute()
}

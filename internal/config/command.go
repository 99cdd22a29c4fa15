package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CommandSpec selects what the external engine should execute. Exactly
// one of Playbook, Module, or Role must be set.
type CommandSpec struct {
	Playbook    string
	Module      string
	ModuleArg   string
	Role        string
	Hosts       string
	Inventory   string
	Limit       string
	CmdlineArgs []string
	Verbosity   int
	Binary      string // override for the engine executable
}

// BuildCommand assembles the external program argv for the job. The
// engine's own semantics are opaque here; this only mirrors its CLI
// conventions closely enough to invoke it.
func (c *JobConfig) BuildCommand(spec CommandSpec) error {
	set := 0
	for _, s := range []string{spec.Playbook, spec.Module, spec.Role} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return &SetupError{Msg: "exactly one of playbook, module, or role is required"}
	}

	if spec.Role != "" {
		playbook, err := c.writeRolePlaybook(spec)
		if err != nil {
			return err
		}
		spec.Playbook = playbook
	}

	var argv []string
	switch {
	case spec.Playbook != "":
		bin := spec.Binary
		if bin == "" {
			bin = "ansible-playbook"
		}
		argv = []string{bin}
		argv = c.appendInventory(argv, spec)
		if spec.Limit != "" {
			argv = append(argv, "--limit", spec.Limit)
		}
		argv = appendVerbosity(argv, spec.Verbosity)
		argv = append(argv, spec.CmdlineArgs...)
		argv = append(argv, c.resolveProjectPath(spec.Playbook))
	case spec.Module != "":
		bin := spec.Binary
		if bin == "" {
			bin = "ansible"
		}
		hosts := spec.Hosts
		if hosts == "" {
			hosts = "all"
		}
		argv = []string{bin, "-m", spec.Module}
		if spec.ModuleArg != "" {
			argv = append(argv, "-a", spec.ModuleArg)
		}
		argv = c.appendInventory(argv, spec)
		if spec.Limit != "" {
			argv = append(argv, "--limit", spec.Limit)
		}
		argv = appendVerbosity(argv, spec.Verbosity)
		argv = append(argv, spec.CmdlineArgs...)
		argv = append(argv, hosts)
	}

	c.Command = argv
	return nil
}

// writeRolePlaybook materializes a one-play playbook invoking the role,
// under project/, and returns its path.
func (c *JobConfig) writeRolePlaybook(spec CommandSpec) (string, error) {
	hosts := spec.Hosts
	if hosts == "" {
		hosts = "all"
	}
	play := []map[string]any{{
		"hosts": hosts,
		"roles": []map[string]any{{"name": spec.Role}},
	}}
	data, err := json.Marshal(play)
	if err != nil {
		return "", fmt.Errorf("marshal role play: %w", err)
	}
	dir := c.ProjectDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", &SetupError{Msg: "create project dir", Err: err}
	}
	path := filepath.Join(dir, "main.json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", &SetupError{Msg: "write role playbook", Err: err}
	}
	return path, nil
}

func (c *JobConfig) appendInventory(argv []string, spec CommandSpec) []string {
	inv := spec.Inventory
	if inv == "" {
		candidate := filepath.Join(c.PrivateDataDir, "inventory")
		if _, err := os.Stat(candidate); err == nil {
			inv = candidate
		}
	}
	if inv != "" {
		argv = append(argv, "-i", inv)
	}
	return argv
}

// resolveProjectPath leaves absolute playbook paths alone and anchors
// relative ones under project/.
func (c *JobConfig) resolveProjectPath(playbook string) string {
	if filepath.IsAbs(playbook) {
		return playbook
	}
	candidate := filepath.Join(c.ProjectDir(), playbook)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return playbook
}

func appendVerbosity(argv []string, v int) []string {
	if v <= 0 {
		return argv
	}
	if v > 5 {
		v = 5
	}
	return append(argv, "-"+strings.Repeat("v", v))
}

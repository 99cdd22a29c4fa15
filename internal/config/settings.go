package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings mirrors the env/settings file inside a private data dir.
// Values here lose to explicit flags but beat the built-in defaults.
type Settings struct {
	IdleTimeout      int  `yaml:"idle_timeout"`
	JobTimeout       int  `yaml:"job_timeout"`
	KeepaliveSeconds int  `yaml:"keepalive_seconds"`
	SuppressOutput   bool `yaml:"suppress_output"`
	RotateArtifacts  int  `yaml:"rotate_artifacts"`
	JSONMode         bool `yaml:"json_mode"`
}

// LoadSettings reads env/settings from the private data dir. A missing
// file is not an error; a malformed one is.
func LoadSettings(privateDataDir string) (Settings, error) {
	var s Settings
	data, err := os.ReadFile(filepath.Join(privateDataDir, "env", "settings"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return s, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse settings: %w", err)
	}
	return s, nil
}

// Apply folds file settings into the config wherever the config still
// holds its zero value.
func (s Settings) Apply(c *JobConfig) {
	if c.IdleTimeout == 0 && s.IdleTimeout > 0 {
		c.IdleTimeout = time.Duration(s.IdleTimeout) * time.Second
	}
	if c.JobTimeout == 0 && s.JobTimeout > 0 {
		c.JobTimeout = time.Duration(s.JobTimeout) * time.Second
	}
	if c.KeepaliveSeconds == 0 {
		c.KeepaliveSeconds = s.KeepaliveSeconds
	}
	if c.RotateArtifacts == 0 {
		c.RotateArtifacts = s.RotateArtifacts
	}
	if !c.SuppressOutput {
		c.SuppressOutput = s.SuppressOutput
	}
	if !c.JSONMode {
		c.JSONMode = s.JSONMode
	}
}

// LoadEnvvars reads env/envvars (a YAML map of environment overrides).
func LoadEnvvars(privateDataDir string) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(privateDataDir, "env", "envvars"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read envvars: %w", err)
	}
	vars := map[string]string{}
	if err := yaml.Unmarshal(data, &vars); err != nil {
		return nil, fmt.Errorf("parse envvars: %w", err)
	}
	return vars, nil
}

// LoadPasswords reads env/passwords, a YAML map of prompt pattern to
// secret. Document order is preserved: patterns are matched in the
// order they appear in the file, so earlier entries win ties.
func LoadPasswords(privateDataDir string) ([]Prompt, error) {
	data, err := os.ReadFile(filepath.Join(privateDataDir, "env", "passwords"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read passwords: %w", err)
	}
	return parsePasswords(data)
}

func parsePasswords(data []byte) ([]Prompt, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse passwords: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse passwords: expected a mapping of pattern to secret")
	}
	var prompts []Prompt
	for i := 0; i+1 < len(root.Content); i += 2 {
		pattern := root.Content[i].Value
		secret := root.Content[i+1].Value
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("parse passwords: pattern %q: %w", pattern, err)
		}
		prompts = append(prompts, Prompt{Pattern: re, Response: secret})
	}
	return prompts, nil
}

// LoadInto populates a JobConfig from the env/ files of its private
// data dir: settings, envvars, and passwords. Explicit values already
// present on the config are kept.
func LoadInto(c *JobConfig) error {
	settings, err := LoadSettings(c.PrivateDataDir)
	if err != nil {
		return err
	}
	settings.Apply(c)

	vars, err := LoadEnvvars(c.PrivateDataDir)
	if err != nil {
		return err
	}
	if len(vars) > 0 {
		if c.Env == nil {
			c.Env = map[string]string{}
		}
		for k, v := range vars {
			if _, ok := c.Env[k]; !ok {
				c.Env[k] = v
			}
		}
	}

	if len(c.Passwords) == 0 {
		prompts, err := LoadPasswords(c.PrivateDataDir)
		if err != nil {
			return err
		}
		c.Passwords = prompts
	}
	return nil
}

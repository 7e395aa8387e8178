// Package config loads and validates the PushBot service configuration file.
// The file is YAML with a single recognised top-level key, "services":
//
//	services:
//	  - name: web
//	    repository: "alice/site"
//	    path: "/srv/site"
//	    branch: "main"
//	    deploy_command: "git pull && make deploy"
//
// Unknown keys anywhere in the document are rejected so that typos
// (e.g. "deploy_comand") fail loudly at startup instead of silently
// producing a service with an empty command.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServiceDef is the declaration of a single deployment target.
// All fields are required.
type ServiceDef struct {
	Name          string `yaml:"name"`
	Repository    string `yaml:"repository"`
	Path          string `yaml:"path"`
	Branch        string `yaml:"branch"`
	DeployCommand string `yaml:"deploy_command"`
}

// Config is the parsed configuration file.
type Config struct {
	Services []ServiceDef `yaml:"services"`
}

// Load reads and parses the configuration file at path.
// A missing file and an invalid file are distinct failures so the CLI can
// print an actionable message ("run pushbot init") for the former.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes raw YAML into a Config and validates it.
func Parse(raw []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	// Reject keys that are not part of the schema.
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// validate checks that every service has all required fields and that
// service names are unique.
func (c *Config) validate() error {
	seen := make(map[string]struct{}, len(c.Services))

	for i, svc := range c.Services {
		switch {
		case svc.Name == "":
			return fmt.Errorf("services[%d]: name is required", i)
		case svc.Repository == "":
			return fmt.Errorf("service %q: repository is required", svc.Name)
		case svc.Path == "":
			return fmt.Errorf("service %q: path is required", svc.Name)
		case svc.Branch == "":
			return fmt.Errorf("service %q: branch is required", svc.Name)
		case svc.DeployCommand == "":
			return fmt.Errorf("service %q: deploy_command is required", svc.Name)
		}

		if _, dup := seen[svc.Name]; dup {
			return fmt.Errorf("duplicate service name %q", svc.Name)
		}
		seen[svc.Name] = struct{}{}
	}
	return nil
}

// Example is the config file written by `pushbot init`.
const Example = `services:
  - name: example-service
    repository: "owner/repo"
    path: "/path/to/project"
    branch: "master"
    deploy_command: "echo 'Deploy command here'"
`

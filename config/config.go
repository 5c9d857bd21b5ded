// Package config loads the YAML configuration file for notmuch-sync: the
// default transport command template and the per-run options of spec.md
// §6.4, with CLI flags overriding whatever the file sets.
package config

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// DefaultTransportCmd is the template used when neither the config file
// nor --transport-cmd supplies one: an SSH tunnel to the responder
// binary at --path-on-peer, invoked with --responder.
const DefaultTransportCmd = "ssh %u@%h %p --responder"

// DefaultPathOnPeer is the responder binary path assumed on the remote
// side absent an explicit override.
const DefaultPathOnPeer = "notmuch-sync"

// Config holds the recognized options of spec.md §6.4. Zero values mean
// "unset"; CLI flags take precedence over whatever a value a file sets,
// the same override rule the teacher applies for its own flags.
type Config struct {
	RemotePeer     string `yaml:"remote_peer"`
	User           string `yaml:"user"`
	TransportCmd   string `yaml:"transport_cmd"`
	PathOnPeer     string `yaml:"path_on_peer"`
	RemoteCmd      string `yaml:"remote_cmd"`
	Verbose        int    `yaml:"verbose"`
	Quiet          bool   `yaml:"quiet"`
	EnableDeletion bool   `yaml:"enable_deletion"`
	UnsafeDeletion bool   `yaml:"unsafe_deletion"`
	EnableSidecar  bool   `yaml:"enable_sidecar"`
}

// Unmarshal parses config, applying defaults first so unset fields in a
// partial or empty file keep sane values.
func Unmarshal(config []byte) (*Config, error) {
	cfg := &Config{
		TransportCmd: DefaultTransportCmd,
		PathOnPeer:   DefaultPathOnPeer,
	}
	if err := yaml.Unmarshal(config, cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v. make sure to use 'single quotes' around strings with special characters (like host patterns)", err.Error())
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile loads and parses the YAML config at filename.
func LoadConfigFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	cfg, err := LoadConfigString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	return cfg, nil
}

// LoadConfigString parses content as a YAML config.
func LoadConfigString(content []byte) (*Config, error) {
	return Unmarshal(content)
}

// ApplyFlags overrides cfg's fields with whatever the CLI actually set,
// matching the teacher's "flags win over file" precedence. Each param is
// a pointer so the caller only passes what kingpin reports as set
// (nil/zero means "flag not given, keep the file's value").
func (c *Config) ApplyFlags(remotePeer, user, transportCmd, pathOnPeer, remoteCmd *string, verbose *int, quiet, enableDeletion, unsafeDeletion, enableSidecar *bool) {
	if remotePeer != nil && *remotePeer != "" {
		c.RemotePeer = *remotePeer
	}
	if user != nil && *user != "" {
		c.User = *user
	}
	if transportCmd != nil && *transportCmd != "" {
		c.TransportCmd = *transportCmd
	}
	if pathOnPeer != nil && *pathOnPeer != "" {
		c.PathOnPeer = *pathOnPeer
	}
	if remoteCmd != nil && *remoteCmd != "" {
		c.RemoteCmd = *remoteCmd
	}
	if verbose != nil && *verbose > 0 {
		c.Verbose = *verbose
	}
	if quiet != nil && *quiet {
		c.Quiet = true
	}
	if enableDeletion != nil && *enableDeletion {
		c.EnableDeletion = true
	}
	if unsafeDeletion != nil && *unsafeDeletion {
		c.UnsafeDeletion = true
	}
	if enableSidecar != nil && *enableSidecar {
		c.EnableSidecar = true
	}
}

func (c *Config) validate() error {
	if c.Verbose < 0 || c.Verbose > 2 {
		return fmt.Errorf("verbose must be 0, 1, or 2, got %d", c.Verbose)
	}
	if c.UnsafeDeletion && !c.EnableDeletion {
		return fmt.Errorf("unsafe_deletion requires enable_deletion")
	}
	if c.RemoteCmd == "" && c.RemotePeer == "" {
		return fmt.Errorf("either remote_cmd or remote_peer must be set")
	}
	return nil
}

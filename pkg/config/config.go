// Package config decodes and validates the node's YAML configuration
// document (spec.md §6: "server", "caches", "workspaces", "agents"
// sections), grounded on the teacher's pkg/config in shape only (a thin
// wrapper type plus sentinel errors) — the teacher's Config is a
// runtime key/value store backed by the database, but this system's
// configuration is a static document decoded once at start-up, so the
// decode/validate surface is built fresh around gopkg.in/yaml.v3 rather
// than adapted line-for-line.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrConfigInvalid is the taxonomy's ConfigInvalid kind (spec.md §7):
// "config rejected before any state change". Every validation failure is
// wrapped in this sentinel so callers can treat them uniformly.
var ErrConfigInvalid = errors.New("invalid configuration")

// Document is the root of the YAML configuration file.
type Document struct {
	Server     Server      `yaml:"server"`
	Caches     []Cache     `yaml:"caches"`
	Workspaces []Workspace `yaml:"workspaces"`
}

// Server holds the node-wide settings (spec.md §6: "database path,
// hostname, standalone flag, DHT port, bootstrap host/port,
// cache-server port, deploy port, signing key, defaults").
type Server struct {
	DatabasePath    string   `yaml:"database-path"`
	Hostname        string   `yaml:"hostname"`
	Standalone      bool     `yaml:"standalone"`
	DHTPort         int      `yaml:"dht-port"`
	BootstrapHost   string   `yaml:"bootstrap-host"`
	BootstrapPort   int      `yaml:"bootstrap-port"`
	CacheServerPort int      `yaml:"cache-server-port"`
	DeployPort      int      `yaml:"deploy-port"`
	SigningKeyPath  string   `yaml:"signing-key-path"`
	Defaults        Defaults `yaml:"defaults"`
}

// Defaults fills in per-cache fields left unset in a Cache entry.
type Defaults struct {
	RetentionDays int    `yaml:"retention"`
	Port          int    `yaml:"port"`
	StorageType   string `yaml:"storage-type"`
	Strategy      string `yaml:"strategy"`
}

// Cache is one `caches:` entry (spec.md §6: "name, port, retention,
// access, storage-strategy, storages").
type Cache struct {
	Name            string    `yaml:"name"`
	Port            int       `yaml:"port"`
	Retention       *int      `yaml:"retention"`
	Access          string    `yaml:"access"`
	StorageStrategy string    `yaml:"storage-strategy"`
	Storages        []Storage `yaml:"storages"`
}

// Storage is one back-end entry under a cache's `storages:` list. Type
// is "local" or "s3"; Root is the local-storage path or the S3 bucket
// name. The S3-specific fields are empty/zero for a local back-end.
type Storage struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Root     string `yaml:"root"`

	// S3Endpoint carries its own scheme (http:// or https://); SSL use is
	// derived from it, there is no separate toggle (pkg/s3.ValidateConfig
	// requires the scheme and pkg/s3.IsHTTPS reads it back from there).
	S3Endpoint        string `yaml:"s3-endpoint"`
	S3Region          string `yaml:"s3-region"`
	S3AccessKeyID     string `yaml:"s3-access-key-id"`
	S3SecretAccessKey string `yaml:"s3-secret-access-key"`
	S3ForcePathStyle  *bool  `yaml:"s3-force-path-style"`

	// Split is this back-end's percentage share under the "split"
	// placement strategy; nil for every other strategy.
	Split *float64 `yaml:"split"`
}

// Workspace is one `workspaces:` entry, grouping agents (SPEC_FULL.md
// supplemented feature: deployment workspaces/agents, table+CRUD only).
type Workspace struct {
	Name   string  `yaml:"name"`
	Agents []Agent `yaml:"agents"`
}

// Agent is one agent entry under a workspace.
type Agent struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
}

// knownStorageTypes is the set of storage.Backend implementations this
// node ships (C1).
var knownStorageTypes = map[string]bool{"local": true, "s3": true}

// knownStrategies is the set of multiplex.Strategy implementations (C3).
var knownStrategies = map[string]bool{"round-robin": true, "in-order": true, "split": true, "least-used": true}

// knownAccess is the set of valid cache visibility values.
var knownAccess = map[string]bool{"public": true, "private": true}

// Load reads and decodes the YAML document at path and validates it.
func Load(path string) (Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("%w: error reading %q: %w", ErrConfigInvalid, path, err)
	}

	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: error parsing %q: %w", ErrConfigInvalid, path, err)
	}

	doc.applyDefaults()

	if err := doc.Validate(); err != nil {
		return Document{}, err
	}

	return doc, nil
}

// applyDefaults fills every cache's unset Port/Retention/StorageStrategy
// and every local storage's unset Type from the server's `defaults:`
// section (spec.md §6).
func (d *Document) applyDefaults() {
	for i := range d.Caches {
		c := &d.Caches[i]

		if c.Port == 0 {
			c.Port = d.Server.Defaults.Port
		}

		if c.Retention == nil {
			retention := d.Server.Defaults.RetentionDays
			c.Retention = &retention
		}

		if c.StorageStrategy == "" {
			c.StorageStrategy = d.Server.Defaults.Strategy
		}

		for j := range c.Storages {
			s := &c.Storages[j]
			if s.Type == "" {
				s.Type = d.Server.Defaults.StorageType
			}
		}
	}
}

// Validate rejects duplicate names, out-of-range or colliding ports,
// unknown storage types, strategies and access values, and split
// percentages not summing to 100. Agents are nested under their
// workspace, so no cross-reference between caches and workspaces is
// checked.
func (d Document) Validate() error {
	if err := d.validatePorts(); err != nil {
		return err
	}

	if err := d.validateCaches(); err != nil {
		return err
	}

	if err := d.validateWorkspaces(); err != nil {
		return err
	}

	return nil
}

func (d Document) validatePorts() error {
	ports := map[int]string{}

	addPort := func(port int, owner string) error {
		if port == 0 {
			return nil
		}

		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: %s: port %d out of range", ErrConfigInvalid, owner, port)
		}

		if existing, taken := ports[port]; taken {
			return fmt.Errorf("%w: port %d used by both %q and %q", ErrConfigInvalid, port, existing, owner)
		}

		ports[port] = owner

		return nil
	}

	if err := addPort(d.Server.CacheServerPort, "server.cache-server-port"); err != nil {
		return err
	}

	if err := addPort(d.Server.DeployPort, "server.deploy-port"); err != nil {
		return err
	}

	if !d.Server.Standalone {
		if err := addPort(d.Server.DHTPort, "server.dht-port"); err != nil {
			return err
		}
	}

	for _, c := range d.Caches {
		if err := addPort(c.Port, fmt.Sprintf("caches[%s].port", c.Name)); err != nil {
			return err
		}
	}

	return nil
}

func (d Document) validateCaches() error {
	names := map[string]bool{}

	for _, c := range d.Caches {
		if c.Name == "" {
			return fmt.Errorf("%w: a cache entry is missing a name", ErrConfigInvalid)
		}

		if names[c.Name] {
			return fmt.Errorf("%w: duplicate cache name %q", ErrConfigInvalid, c.Name)
		}

		names[c.Name] = true

		if c.Access != "" && !knownAccess[c.Access] {
			return fmt.Errorf("%w: cache %q: unknown access %q", ErrConfigInvalid, c.Name, c.Access)
		}

		if c.StorageStrategy != "" && !knownStrategies[c.StorageStrategy] {
			return fmt.Errorf("%w: cache %q: unknown storage-strategy %q", ErrConfigInvalid, c.Name, c.StorageStrategy)
		}

		if err := validateStorages(c); err != nil {
			return err
		}
	}

	return nil
}

func validateStorages(c Cache) error {
	storageNames := map[string]bool{}

	var splitSum float64

	hasSplit := false

	for _, s := range c.Storages {
		if s.Name == "" {
			return fmt.Errorf("%w: cache %q: a storage entry is missing a name", ErrConfigInvalid, c.Name)
		}

		if storageNames[s.Name] {
			return fmt.Errorf("%w: cache %q: duplicate storage name %q", ErrConfigInvalid, c.Name, s.Name)
		}

		storageNames[s.Name] = true

		if !knownStorageTypes[s.Type] {
			return fmt.Errorf("%w: cache %q: storage %q: unknown storage type %q", ErrConfigInvalid, c.Name, s.Name, s.Type)
		}

		if s.Split != nil {
			hasSplit = true
			splitSum += *s.Split
		}
	}

	if c.StorageStrategy == "split" {
		if !hasSplit {
			return fmt.Errorf("%w: cache %q: storage-strategy split requires a split percentage per storage", ErrConfigInvalid, c.Name)
		}

		if splitSum < 99.999 || splitSum > 100.001 {
			return fmt.Errorf("%w: cache %q: split percentages sum to %v, want 100", ErrConfigInvalid, c.Name, splitSum)
		}
	}

	return nil
}

func (d Document) validateWorkspaces() error {
	names := map[string]bool{}

	for _, w := range d.Workspaces {
		if w.Name == "" {
			return fmt.Errorf("%w: a workspace entry is missing a name", ErrConfigInvalid)
		}

		if names[w.Name] {
			return fmt.Errorf("%w: duplicate workspace name %q", ErrConfigInvalid, w.Name)
		}

		names[w.Name] = true

		agentNames := map[string]bool{}

		for _, a := range w.Agents {
			if a.Name == "" {
				return fmt.Errorf("%w: workspace %q: an agent entry is missing a name", ErrConfigInvalid, w.Name)
			}

			if agentNames[a.Name] {
				return fmt.Errorf("%w: workspace %q: duplicate agent name %q", ErrConfigInvalid, w.Name, a.Name)
			}

			agentNames[a.Name] = true
		}
	}

	return nil
}

// Package config loads and validates the hub's service table.
//
// The table lives in mcp_config.json (or mcp_config.yaml) and maps a service
// ID to its launch settings. The table is immutable once loaded; runtime
// state (running, crashed, backoff) lives in the supervisor, never here.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Pamir-AI/distiller-cm5-mcp-hub/paths"
)

// Transport identifies how the hub talks to a service.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportSSE   Transport = "sse"
	TransportHTTP  Transport = "http"
)

// Valid reports whether t is a known transport kind.
func (t Transport) Valid() bool {
	switch t {
	case TransportStdio, TransportSSE, TransportHTTP:
		return true
	}
	return false
}

// Network reports whether the transport speaks over TCP.
func (t Transport) Network() bool {
	return t == TransportSSE || t == TransportHTTP
}

// ServiceConfig describes one MCP service the hub can launch.
type ServiceConfig struct {
	ID          string            `json:"-" yaml:"-"`
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	Transport   Transport         `json:"transport,omitempty" yaml:"transport,omitempty"`
	Host        string            `json:"host,omitempty" yaml:"host,omitempty"`
	Port        int               `json:"port,omitempty" yaml:"port,omitempty"`
	ProjectDir  string            `json:"project_dir" yaml:"project_dir"`
	Command     string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	// MaxRestarts bounds crash-restart attempts under the hub. Zero uses
	// the hub default; -1 retries forever.
	MaxRestarts int `json:"max_restarts,omitempty" yaml:"max_restarts,omitempty"`
}

// DisplayName returns the human-facing name, falling back to the ID.
func (s *ServiceConfig) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Address returns the host:port pair for network transports.
func (s *ServiceConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BaseURL returns the HTTP base URL the hub should dial for network
// transports. A wildcard bind address is dialed via loopback.
func (s *ServiceConfig) BaseURL() string {
	host := s.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, s.Port)
}

// CommandLine returns the executable and arguments used to launch the
// service, including the transport flags for network services.
func (s *ServiceConfig) CommandLine() (string, []string) {
	command := s.Command
	args := s.Args
	if command == "" {
		command = "uv"
		args = []string{"run", "python", "server.py"}
	}
	out := make([]string, len(args))
	copy(out, args)
	if s.Transport.Network() {
		out = append(out, "--transport", string(s.Transport))
		out = append(out, "--host", s.Host)
		out = append(out, "--port", fmt.Sprintf("%d", s.Port))
	}
	return command, out
}

// Config is the loaded, validated service table.
type Config struct {
	services map[string]*ServiceConfig
	filePath string
}

// Load reads the service table from the default config path. A missing file
// yields an empty table, not an error.
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads the service table from path. JSON and YAML are both
// accepted, keyed by file extension.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{
		services: make(map[string]*ServiceConfig),
		filePath: path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	raw := make(map[string]*ServiceConfig)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	for id, svc := range raw {
		if svc == nil {
			svc = &ServiceConfig{}
		}
		svc.ID = id
		svc.applyDefaults()
		cfg.services[id] = svc
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in the fields the file may omit.
func (s *ServiceConfig) applyDefaults() {
	if s.Transport == "" {
		s.Transport = TransportSSE
	}
	if s.Host == "" && s.Transport.Network() {
		s.Host = "0.0.0.0"
	}
	if s.ProjectDir == "" {
		s.ProjectDir = s.ID
	}
	if s.Env == nil {
		s.Env = make(map[string]string)
	}
}

// Validate checks that the table is internally consistent.
func (c *Config) Validate() error {
	seenPorts := make(map[int]string)
	for id, svc := range c.services {
		if id == "" {
			return fmt.Errorf("service with empty ID found")
		}
		if !svc.Transport.Valid() {
			return fmt.Errorf("service %s has unknown transport %q", id, svc.Transport)
		}
		if svc.MaxRestarts < -1 {
			return fmt.Errorf("service %s has invalid max_restarts %d", id, svc.MaxRestarts)
		}
		if svc.Transport.Network() {
			if svc.Port <= 0 || svc.Port > 65535 {
				return fmt.Errorf("service %s has invalid port %d", id, svc.Port)
			}
			if svc.Enabled {
				if other, ok := seenPorts[svc.Port]; ok {
					return fmt.Errorf("services %s and %s both claim port %d", other, id, svc.Port)
				}
				seenPorts[svc.Port] = id
			}
		}
	}
	return nil
}

// FilePath returns the path the table was loaded from.
func (c *Config) FilePath() string {
	return c.filePath
}

// Service returns the config for id, if present.
func (c *Config) Service(id string) (*ServiceConfig, bool) {
	svc, ok := c.services[id]
	return svc, ok
}

// Services returns every service sorted by ID.
func (c *Config) Services() []*ServiceConfig {
	out := make([]*ServiceConfig, 0, len(c.services))
	for _, svc := range c.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Enabled returns the enabled services sorted by ID.
func (c *Config) Enabled() []*ServiceConfig {
	out := make([]*ServiceConfig, 0, len(c.services))
	for _, svc := range c.services {
		if svc.Enabled {
			out = append(out, svc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResolveProjectDir returns the absolute project directory for svc. Relative
// paths are resolved against the hub's projects directory.
func ResolveProjectDir(svc *ServiceConfig) (string, error) {
	if filepath.IsAbs(svc.ProjectDir) {
		return svc.ProjectDir, nil
	}
	base, err := paths.ProjectsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, svc.ProjectDir), nil
}

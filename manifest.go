// manifest.go: Service manifests and the filesystem scanner that finds them
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agilira/argus"
	"github.com/agilira/go-timecache"
	"gopkg.in/yaml.v3"
)

// ServiceManifest is the document a service publishes so clients can resolve it.
//
// Example YAML manifest:
//
//	name: calculator
//	version: 1.0.0
//	description: Integer calculator
//	actions: [com.agilira.calculator.BIND]
//	exported: true
//	transport: unix
//	endpoint: /tmp/calculator.sock
//	exec:
//	  path: /usr/local/bin/calculator-service
//	  args: [serve, --config, /etc/calculator/service.yaml]
//	  start_timeout: 5s
type ServiceManifest struct {
	Name        string        `json:"name" yaml:"name" mapstructure:"name" validate:"required,service_name"`
	Version     string        `json:"version" yaml:"version" mapstructure:"version" validate:"required,semver"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description"`
	Actions     []string      `json:"actions,omitempty" yaml:"actions,omitempty" mapstructure:"actions" validate:"dive,service_id"`
	Exported    bool          `json:"exported" yaml:"exported" mapstructure:"exported"`
	Transport   TransportType `json:"transport" yaml:"transport" mapstructure:"transport" validate:"required,oneof=unix grpc"`
	Endpoint    string        `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint" validate:"required"`
	Exec        *ExecConfig   `json:"exec,omitempty" yaml:"exec,omitempty" mapstructure:"exec"`

	// Set by the scanner, never read from the file.
	ManifestPath string `json:"-" yaml:"-" mapstructure:"-"`
}

// ExecConfig tells a registry how to start a service on demand.
type ExecConfig struct {
	Path         string        `json:"path" yaml:"path" mapstructure:"path" validate:"required"`
	Args         []string      `json:"args,omitempty" yaml:"args,omitempty" mapstructure:"args"`
	Env          []string      `json:"env,omitempty" yaml:"env,omitempty" mapstructure:"env"`
	StartTimeout time.Duration `json:"start_timeout,omitempty" yaml:"start_timeout,omitempty" mapstructure:"start_timeout" validate:"gte=0"`
}

// Validate checks the manifest against its field rules.
func (m *ServiceManifest) Validate() error {
	if err := validateStruct(m); err != nil {
		return NewManifestValidationError(m.ManifestPath, err)
	}
	if m.Exec != nil {
		if err := validateStruct(m.Exec); err != nil {
			return NewManifestValidationError(m.ManifestPath, err)
		}
	}
	return nil
}

// Answers reports whether the manifest resolves for serviceID.
func (m *ServiceManifest) Answers(serviceID string) bool {
	return m.Exported && matchesIdentifier(m.Name, m.Actions, serviceID)
}

// ToEndpoint converts the manifest into a connectable endpoint.
func (m *ServiceManifest) ToEndpoint() Endpoint {
	return Endpoint{
		ServiceName:  m.Name,
		Version:      m.Version,
		Transport:    m.Transport,
		Address:      m.Endpoint,
		ManifestPath: m.ManifestPath,
	}
}

// ParseManifest decodes a manifest; the format is detected from path.
func ParseManifest(path string, data []byte) (*ServiceManifest, error) {
	var manifest ServiceManifest
	if err := decodeDocument(data, argus.DetectFormat(path), &manifest); err != nil {
		return nil, NewManifestParseError(path, err)
	}
	manifest.ManifestPath = path
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// LoadManifest reads and validates one manifest file.
func LoadManifest(path string) (*ServiceManifest, error) {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - manifest locations are operator supplied
	if err != nil {
		return nil, NewManifestParseError(cleanPath, err)
	}
	return ParseManifest(cleanPath, data)
}

// WriteManifest stores m as YAML at path, replacing any previous file atomically.
func WriteManifest(path string, m *ServiceManifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return NewManifestParseError(path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return NewManifestParseError(path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return NewManifestParseError(path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return NewManifestParseError(path, err)
	}
	return nil
}

// ScannerConfig controls where ManifestScanner looks.
type ScannerConfig struct {
	SearchPaths  []string `json:"search_paths" yaml:"search_paths" mapstructure:"search_paths" validate:"required,min=1"`
	FilePatterns []string `json:"file_patterns,omitempty" yaml:"file_patterns,omitempty" mapstructure:"file_patterns"`
	MaxDepth     int      `json:"max_depth,omitempty" yaml:"max_depth,omitempty" mapstructure:"max_depth" validate:"gte=0"`
	ExcludePaths []string `json:"exclude_paths,omitempty" yaml:"exclude_paths,omitempty" mapstructure:"exclude_paths"`
}

// DefaultFilePatterns are the manifest file names scanned when none are configured.
var DefaultFilePatterns = []string{"*.service.yaml", "*.service.yml", "*.service.json", "service.yaml", "service.json"}

// ManifestScanner walks search paths and parses every manifest it finds.
// Invalid manifests are logged and skipped so one bad file cannot hide the rest.
type ManifestScanner struct {
	config ScannerConfig
	logger Logger
}

// NewManifestScanner creates a scanner. Missing patterns fall back to DefaultFilePatterns.
func NewManifestScanner(config ScannerConfig, logger any) *ManifestScanner {
	if len(config.FilePatterns) == 0 {
		config.FilePatterns = DefaultFilePatterns
	}
	if config.MaxDepth == 0 {
		config.MaxDepth = 3
	}
	return &ManifestScanner{config: config, logger: NewLogger(logger).With("component", "manifest_scanner")}
}

// Scan returns every valid manifest below the search paths, sorted by path.
func (s *ManifestScanner) Scan(ctx context.Context) ([]*ServiceManifest, error) {
	start := timecache.CachedTime()
	var manifests []*ServiceManifest
	for _, root := range s.config.SearchPaths {
		if err := s.scanDirectory(ctx, root, 0, &manifests); err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			s.logger.Warn("Failed to scan manifest directory", "path", root, "error", err)
		}
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].ManifestPath < manifests[j].ManifestPath })

	s.logger.Debug("Manifest scan completed",
		"manifests", len(manifests),
		"elapsed", timecache.CachedTime().Sub(start))
	return manifests, nil
}

// Find returns the manifests that answer to serviceID.
func (s *ManifestScanner) Find(ctx context.Context, serviceID string) ([]*ServiceManifest, error) {
	all, err := s.Scan(ctx)
	if err != nil {
		return nil, err
	}
	var matches []*ServiceManifest
	for _, m := range all {
		if m.Answers(serviceID) {
			matches = append(matches, m)
		}
	}
	return matches, nil
}

func (s *ManifestScanner) scanDirectory(ctx context.Context, path string, depth int, out *[]*ServiceManifest) error {
	if !s.shouldScanPath(path, depth) {
		return nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", path, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		fullPath := filepath.Join(path, entry.Name())
		if entry.IsDir() {
			if err := s.scanDirectory(ctx, fullPath, depth+1, out); err != nil && ctx.Err() == nil {
				s.logger.Warn("Failed to scan manifest directory", "path", fullPath, "error", err)
			}
			continue
		}
		if !s.matchesPattern(entry.Name()) {
			continue
		}
		manifest, err := LoadManifest(fullPath)
		if err != nil {
			s.logger.Warn("Skipping invalid manifest", "path", fullPath, "error", err)
			continue
		}
		*out = append(*out, manifest)
	}
	return nil
}

func (s *ManifestScanner) shouldScanPath(path string, depth int) bool {
	if depth > s.config.MaxDepth {
		return false
	}
	for _, exclude := range s.config.ExcludePaths {
		if strings.Contains(path, exclude) {
			return false
		}
	}
	return true
}

func (s *ManifestScanner) matchesPattern(filename string) bool {
	for _, pattern := range s.config.FilePatterns {
		if matched, err := filepath.Match(pattern, filename); err == nil && matched {
			return true
		}
	}
	return false
}

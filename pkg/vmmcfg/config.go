// Package vmmcfg holds the tunables spec.md leaves as inline constants:
// cache refresh epochs, traversal safety caps, and structure size caps.
// Shaped after the teacher's config.AppConfig/config.UserConfig: a
// plain YAML-tagged Go struct with a constructor for defaults.
package vmmcfg

import (
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds wintrace's tunables. All of it has a sane default (see
// NewDefaultConfig) so a caller only needs to override what it cares
// about. Some fields are not read by any component; their comments say
// so.
type Config struct {
	// Cache controls how long published per-process snapshots remain valid.
	Cache CacheConfig `yaml:"cache,omitempty"`

	// Caps are the traversal/size safety bounds described throughout §4.
	Caps CapsConfig `yaml:"caps,omitempty"`
}

// CacheConfig controls refresh-epoch behavior (spec.md §5).
type CacheConfig struct {
	// RefreshEpoch is how long a cached snapshot is considered fresh
	// before the next access triggers a rebuild (tcRefreshMedium). Not
	// read by ctxvmm: a snapshot stays fresh until BumpEpoch is called.
	RefreshEpoch time.Duration `yaml:"refreshEpoch,omitempty"`

	// EnableProcessCaching toggles whether sticky prefetch address sets
	// (§4.1) are persisted across refreshes at all.
	EnableProcessCaching bool `yaml:"enableProcessCaching,omitempty"`
}

// CapsConfig are the hard iteration/size bounds spec.md calls out
// per-component as a "safety bound".
type CapsConfig struct {
	// ListWalkIterations bounds ListWalker's pop/prefetch alternation (§4.1).
	ListWalkIterations int `yaml:"listWalkIterations,omitempty"`

	// MaxModules bounds ModuleWalker's per-process module count (§4.4).
	MaxModules int `yaml:"maxModules,omitempty"`

	// MaxModuleImageSize64/32 bound a module's ImageSize field (§3).
	// Not read: ModuleWalker applies fixed bounds of the default values.
	MaxModuleImageSize64 uint64 `yaml:"maxModuleImageSize64,omitempty"`
	MaxModuleImageSize32 uint64 `yaml:"maxModuleImageSize32,omitempty"`

	// MaxExportDirectorySize bounds the IMAGE_EXPORT_DIRECTORY read (§4.7).
	MaxExportDirectorySize uint32 `yaml:"maxExportDirectorySize,omitempty"`

	// MaxModuleReadForImports bounds the whole-module read used for IAT
	// parsing (§4.7).
	MaxModuleReadForImports uint32 `yaml:"maxModuleReadForImports,omitempty"`

	// MaxHandleLeaves64/32 bound HandleSpider's leaf-page fan-out (§4.8).
	// Not read: HandleSpider applies fixed caps of the default values.
	MaxHandleLeaves64 int `yaml:"maxHandleLeaves64,omitempty"`
	MaxHandleLeaves32 int `yaml:"maxHandleLeaves32,omitempty"`

	// MaxHandleMapEntries caps the allocated handle map size (§4.8).
	// Not read by HandleSpider.
	MaxHandleMapEntries int `yaml:"maxHandleMapEntries,omitempty"`

	// MaxUnloadedDrivers bounds MmUnloadedDrivers enumeration (§4.10).
	// Not read: the unloaded package applies a fixed cap of 50.
	MaxUnloadedDrivers int `yaml:"maxUnloadedDrivers,omitempty"`

	// MaxUnloadedDriverSize bounds an individual unloaded-driver's SizeOfImage (§4.10).
	// Not read: the unloaded package applies a fixed bound of 256 MiB.
	MaxUnloadedDriverSize uint64 `yaml:"maxUnloadedDriverSize,omitempty"`

	// MaxPteScanCandidates bounds PteMapTagger's per-pass PE-header probe (§4.11).
	// Not read: ptemap applies a fixed cap of 1024.
	MaxPteScanCandidates int `yaml:"maxPteScanCandidates,omitempty"`

	// MaxOffsetLocatorCollisions bounds ProcessEnumerator's DTB-collision
	// tolerance before aborting (§4.3).
	MaxOffsetLocatorCollisions int `yaml:"maxOffsetLocatorCollisions,omitempty"`

	// MinProcessesForQualityGate is the "≥10 processes enumerated" gate (§7).
	MinProcessesForQualityGate int `yaml:"minProcessesForQualityGate,omitempty"`
}

// NewDefaultConfig returns the defaults named throughout spec.md.
func NewDefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			RefreshEpoch:         5 * time.Second,
			EnableProcessCaching: true,
		},
		Caps: CapsConfig{
			ListWalkIterations:         4096,
			MaxModules:                 512,
			MaxModuleImageSize64:       0x40000000,
			MaxModuleImageSize32:       0x10000000,
			MaxExportDirectorySize:     16 * 1024 * 1024,
			MaxModuleReadForImports:    32 * 1024 * 1024,
			MaxHandleLeaves64:          1024,
			MaxHandleLeaves32:          2048,
			MaxHandleMapEntries:        256 * 1024,
			MaxUnloadedDrivers:         50,
			MaxUnloadedDriverSize:      256 * 1024 * 1024,
			MaxPteScanCandidates:       1024,
			MaxOffsetLocatorCollisions: 8,
			MinProcessesForQualityGate: 10,
		},
	}
}

// LoadYAML reads a YAML document from r and overlays it onto the
// defaults (adapted from the teacher's loadUserConfig: unmarshal onto
// an already-populated base so a partial document only overrides what
// it names, via the `omitempty` tags above).
func LoadYAML(r io.Reader) (*Config, error) {
	cfg := NewDefaultConfig()
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteYAML encodes the config back to YAML (adapted from the
// teacher's WriteToUserConfig/yaml.NewEncoder pairing).
func (c *Config) WriteYAML(w io.Writer) error {
	return yaml.NewEncoder(w).Encode(c)
}

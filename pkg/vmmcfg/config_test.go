package vmmcfg

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadYAMLOverlaysOntoDefaults(t *testing.T) {
	doc := `
caps:
  maxModules: 999
`
	cfg, err := LoadYAML(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, 999, cfg.Caps.MaxModules)
	// Untouched fields keep their default.
	require.Equal(t, 8, cfg.Caps.MaxOffsetLocatorCollisions)
	require.True(t, cfg.Cache.EnableProcessCaching)
}

func TestWriteYAMLRoundTrips(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Caps.MaxModules = 7

	var buf bytes.Buffer
	require.NoError(t, cfg.WriteYAML(&buf))

	loaded, err := LoadYAML(&buf)
	require.NoError(t, err)
	require.Equal(t, 7, loaded.Caps.MaxModules)
}

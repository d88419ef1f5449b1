package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/mumasp/internal/config"
	"github.com/w1xm/mumasp/measurement"
	"github.com/w1xm/mumasp/telescope"
)

func TestLoadConfigFlagsWin(t *testing.T) {
	t.Setenv("MUMASP_ADDR", "10.0.0.1:1033")
	cfg, err := loadConfig(GlobalOptions{Addr: "10.0.0.2:1033", Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:1033", cfg.Device.Addr)
	assert.Equal(t, 5*time.Second, cfg.Device.Timeout.Duration)
}

func TestMeasurementConfig(t *testing.T) {
	cfg := config.Default()
	got := measurementConfig(cfg, MeasurementFlags{MaxTriggers: 50, ReadInterval: time.Second})
	assert.Equal(t, measurement.Config{
		MaxDuration:   3600 * time.Second,
		MaxTriggers:   50,
		ReadInterval:  time.Second,
		ReadThreshold: 100,
	}, got)
}

func TestScanPositions(t *testing.T) {
	file := filepath.Join(t.TempDir(), "positions.json")
	require.NoError(t, os.WriteFile(file, []byte(`[[90, 0], [45.5, 180]]`), 0o644))

	c := &ScanCommand{Positions: []string{"0,10"}, PositionsFile: file}
	got, err := c.positions()
	require.NoError(t, err)
	assert.Equal(t, []telescope.Position{{Theta: 0, Phi: 10}, {Theta: 90, Phi: 0}, {Theta: 45.5, Phi: 180}}, got)

	for _, c := range []*ScanCommand{
		{Positions: []string{"0"}},
		{Positions: []string{"0,1,2"}},
		{},
	} {
		_, err := c.positions()
		assert.ErrorIs(t, err, measurement.ErrInvalidPositions)
	}

	require.NoError(t, os.WriteFile(file, []byte(`[[90, 0], [45]]`), 0o644))
	_, err = (&ScanCommand{PositionsFile: file}).positions()
	assert.ErrorIs(t, err, measurement.ErrInvalidPositions)
}

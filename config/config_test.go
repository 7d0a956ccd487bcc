package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("INGEST_MAX_BYTES", "")
	t.Setenv("EMA_ALPHA", "")
	t.Setenv("DETECTOR_KIND", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(10*1024*1024), cfg.Ingest.MaxBytes)
	assert.Equal(t, 0.5, cfg.Overlay.EMAAlpha)
	assert.Equal(t, 0.5, cfg.Overlay.ServerMatchIoU)
	assert.Equal(t, 15, cfg.Overlay.PruneFrames)
	assert.Equal(t, 5, cfg.Capture.QueueThreshold)
	assert.Equal(t, "stub", cfg.Detector.Kind)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("INGEST_TOKEN", "operator")
	t.Setenv("EMA_ALPHA", "0.25")
	t.Setenv("QUEUE_THRESHOLD", "8")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "operator", cfg.Ingest.Token)
	assert.Equal(t, 0.25, cfg.Overlay.EMAAlpha)
	assert.Equal(t, 8, cfg.Capture.QueueThreshold)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Ingest:   IngestConfig{MaxBytes: 1, DetectorWorkers: 1},
			Detector: DetectorConfig{Kind: "stub"},
			Overlay:  OverlayConfig{EMAAlpha: 0.5, ServerMatchIoU: 0.5, PruneFrames: 15},
			Capture:  CaptureConfig{ChunkMS: 500, QueueThreshold: 5},
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"alpha above one", func(c *Config) { c.Overlay.EMAAlpha = 1.5 }},
		{"alpha negative", func(c *Config) { c.Overlay.EMAAlpha = -0.1 }},
		{"alpha zero freezes boxes", func(c *Config) { c.Overlay.EMAAlpha = 0 }},
		{"iou zero", func(c *Config) { c.Overlay.ServerMatchIoU = 0 }},
		{"prune window zero", func(c *Config) { c.Overlay.PruneFrames = 0 }},
		{"chunk size zero", func(c *Config) { c.Capture.ChunkMS = 0 }},
		{"max bytes zero", func(c *Config) { c.Ingest.MaxBytes = 0 }},
		{"unknown detector", func(c *Config) { c.Detector.Kind = "yolo" }},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

// SPDX-License-Identifier: MIT

package governor

import (
	"os"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/tiktok-toe/governor/internal/admission"
	"github.com/tiktok-toe/governor/internal/log"
)

// limitsSnapshot is the on-disk form of the last applied limits.
type limitsSnapshot struct {
	MaxConcurrent int       `yaml:"max_concurrent"`
	BatchSize     int       `yaml:"batch_size"`
	TimeoutMS     int64     `yaml:"timeout_ms"`
	SavedAt       time.Time `yaml:"saved_at"`
}

// saveSnapshot persists the limits atomically. Failures are logged and
// do not affect the running adjustment.
func (g *Governor) saveSnapshot(limits admission.Limits) {
	snap := limitsSnapshot{
		MaxConcurrent: limits.MaxConcurrent,
		BatchSize:     limits.BatchSize,
		TimeoutMS:     limits.Timeout.Milliseconds(),
		SavedAt:       g.cfg.Clock.Now(),
	}
	data, err := yaml.Marshal(snap)
	if err != nil {
		g.logger.Warn().Err(err).
			Str(log.FieldEvent, "governor.snapshot_error").
			Msg("marshal limits snapshot")
		return
	}
	if err := renameio.WriteFile(g.cfg.SnapshotPath, data, 0o644); err != nil {
		g.logger.Warn().Err(err).
			Str(log.FieldEvent, "governor.snapshot_error").
			Str("path", g.cfg.SnapshotPath).
			Msg("write limits snapshot")
	}
}

// loadSnapshot reads a previously saved snapshot. A missing file is not
// an error; a corrupt one is logged and ignored.
func (g *Governor) loadSnapshot() (admission.Limits, bool) {
	data, err := os.ReadFile(g.cfg.SnapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			g.logger.Warn().Err(err).
				Str(log.FieldEvent, "governor.snapshot_error").
				Str("path", g.cfg.SnapshotPath).
				Msg("read limits snapshot")
		}
		return admission.Limits{}, false
	}
	var snap limitsSnapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		g.logger.Warn().Err(err).
			Str(log.FieldEvent, "governor.snapshot_error").
			Str("path", g.cfg.SnapshotPath).
			Msg("parse limits snapshot")
		return admission.Limits{}, false
	}
	if snap.MaxConcurrent <= 0 {
		return admission.Limits{}, false
	}
	return admission.Limits{
		MaxConcurrent: snap.MaxConcurrent,
		BatchSize:     snap.BatchSize,
		Timeout:       time.Duration(snap.TimeoutMS) * time.Millisecond,
	}, true
}

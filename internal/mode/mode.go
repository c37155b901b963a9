// Package mode selects and dispatches the operating mode of a process run.
package mode

import (
	"context"
	"errors"

	"chaincrunch/internal/cfg"
	"chaincrunch/internal/logger"

	"github.com/sirupsen/logrus"
)

// OperatingMode is one of the mutually exclusive top-level behaviors.
type OperatingMode int

const (
	// Flakes scans a blocks range, stores the report and enters supervision.
	Flakes OperatingMode = iota
	// View prints a one-shot report of the latest blocks.
	View
	// Subscribe follows new chain heads.
	Subscribe
)

// String provides the name of the mode.
func (m OperatingMode) String() string {
	switch m {
	case View:
		return "view"
	case Subscribe:
		return "subscribe"
	default:
		return "flakes"
	}
}

// Collaborators implement the work of the individual modes.
type Collaborators interface {
	View(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Flakes(ctx context.Context) error
}

// Select picks the mode of the configuration; view wins over era, flakes is the default.
func Select(c *cfg.Config) OperatingMode {
	switch {
	case c.OnlyView:
		return View
	case c.IsModeEra:
		return Subscribe
	default:
		return Flakes
	}
}

// Dispatch runs the selected mode. View and Subscribe return after their
// collaborator; Flakes continues into the supervised shutdown path
// even if the scan failed.
func Dispatch(ctx context.Context, c *cfg.Config, col Collaborators, supervise func(ctx context.Context) error) (OperatingMode, error) {
	m := Select(c)
	log := logger.Component("mode").WithField("mode", m)
	log.Info("mode selected")

	switch m {
	case View:
		return m, col.View(ctx)
	case Subscribe:
		return m, col.Subscribe(ctx)
	}

	err := col.Flakes(ctx)
	if err != nil {
		log.WithError(err).Error("scan failed")
	}

	log.WithFields(logrus.Fields{"scan_ok": err == nil}).Debug("entering supervision")
	return m, errors.Join(err, supervise(ctx))
}

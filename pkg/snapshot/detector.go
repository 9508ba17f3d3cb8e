package snapshot

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// MetadataReader exposes the last successfully recorded fingerprint per table.
type MetadataReader interface {
	LastChecksum(ctx context.Context, table string) (checksum string, found bool, err error)
}

// Decision is the outcome of a change check.
type Decision struct {
	Changed       bool
	FirstLoad     bool
	PriorChecksum string
}

// Detector compares artifact fingerprints against recorded ones. The
// fingerprint itself is only persisted after a successful load, so a failed
// attempt is naturally retried on the next run.
type Detector struct {
	log  logrus.FieldLogger
	meta MetadataReader
}

// NewDetector creates a change detector backed by the given metadata store.
func NewDetector(log logrus.FieldLogger, meta MetadataReader) *Detector {
	return &Detector{
		log:  log.WithField("component", "detector"),
		meta: meta,
	}
}

// Check decides whether an artifact needs loading. A missing prior
// fingerprint means first load; force bypasses the comparison.
func (d *Detector) Check(ctx context.Context, artifact *Artifact, force bool) (Decision, error) {
	prior, found, err := d.meta.LastChecksum(ctx, artifact.Table)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read prior fingerprint for %s: %w", artifact.Table, err)
	}

	if !found {
		return Decision{Changed: true, FirstLoad: true}, nil
	}

	if force {
		return Decision{Changed: true, PriorChecksum: prior}, nil
	}

	if prior == artifact.Checksum {
		d.log.WithFields(logrus.Fields{
			"table":    artifact.Table,
			"checksum": artifact.Checksum,
		}).Debug("Artifact unchanged")

		return Decision{Changed: false, PriorChecksum: prior}, nil
	}

	return Decision{Changed: true, PriorChecksum: prior}, nil
}

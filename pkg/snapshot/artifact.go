// Package snapshot reads delivered export artifacts and decides whether a
// table needs reloading by comparing content fingerprints.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sabermill/sabermill/pkg/tables"
)

// Define static errors
var (
	ErrArtifactMissing = errors.New("artifact file not found")
	ErrDuplicateColumn = errors.New("artifact maps two headers to the same column")
)

// Artifact is one delivered tabular export for a single target table.
type Artifact struct {
	Table      string
	File       string
	Path       string
	Size       int64
	ModifiedAt time.Time
	Checksum   string
}

// Config holds artifact source settings
type Config struct {
	// Directory is where the file-transfer layer drops export files.
	Directory string `yaml:"directory" default:"./data/incoming/csv"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Directory == "" {
		c.Directory = "./data/incoming/csv"
	}

	return nil
}

// Source resolves table declarations to artifacts on disk.
type Source struct {
	log logrus.FieldLogger
	dir string
}

// NewSource creates an artifact source for a directory of export files.
func NewSource(log logrus.FieldLogger, cfg *Config) *Source {
	if err := cfg.Validate(); err != nil {
		// Validate only normalizes defaults today.
		_ = err
	}

	return &Source{
		log: log.WithField("component", "snapshot"),
		dir: cfg.Directory,
	}
}

// Resolve stats and fingerprints the artifact for a table declaration.
// Returns ErrArtifactMissing when the export has not been delivered.
func (s *Source) Resolve(cfg *tables.Config) (*Artifact, error) {
	path := filepath.Join(s.dir, cfg.ArtifactFile())

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, path)
		}

		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	}

	checksum, err := fingerprint(path)
	if err != nil {
		return nil, err
	}

	return &Artifact{
		Table:      cfg.Name,
		File:       cfg.ArtifactFile(),
		Path:       path,
		Size:       info.Size(),
		ModifiedAt: info.ModTime().UTC(),
		Checksum:   checksum,
	}, nil
}

func fingerprint(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // Path is derived from the configured artifact directory
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}

	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to fingerprint artifact: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

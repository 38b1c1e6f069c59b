package backup

import (
	"fmt"
	"io"

	"github.com/arkops/arkmgr/internal/config"
)

// Destination is an optional off-host mirror for produced archives. The
// local copy under the backup directory is always written first; a
// destination failure is logged, never fatal to the backup run.
type Destination interface {
	// Upload stores one archive at the destination.
	Upload(filename string, reader io.Reader, sizeBytes int64) error

	// Delete removes an archive from the destination.
	Delete(filename string) error

	// List returns all archives at the destination.
	List() ([]RemoteFile, error)

	// GetType returns the destination type identifier.
	GetType() string
}

// RemoteFile describes one archive at a destination.
type RemoteFile struct {
	Filename  string
	SizeBytes int64
	CreatedAt int64 // Unix timestamp
}

// NewDestination creates a destination from configuration. A nil config
// returns a nil destination (local-only backups).
func NewDestination(cfg *config.DestinationConfig) (Destination, error) {
	if cfg == nil {
		return nil, nil
	}
	switch cfg.Type {
	case "", "local":
		return NewLocalDestination(cfg.Path), nil
	case "s3":
		return NewS3Destination(cfg)
	case "sftp":
		return NewSFTPDestination(cfg)
	default:
		return nil, fmt.Errorf("unsupported destination type: %s", cfg.Type)
	}
}

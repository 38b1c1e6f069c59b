package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalDestination mirrors archives into a second directory on this
// host, typically a mounted network share.
type LocalDestination struct {
	basePath string
}

func NewLocalDestination(basePath string) *LocalDestination {
	return &LocalDestination{basePath: basePath}
}

func (d *LocalDestination) Upload(filename string, reader io.Reader, sizeBytes int64) error {
	if err := os.MkdirAll(d.basePath, 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	target := filepath.Join(d.basePath, filename)
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, reader); err != nil {
		os.Remove(target)
		return fmt.Errorf("failed to write destination file: %w", err)
	}
	return nil
}

func (d *LocalDestination) Delete(filename string) error {
	target := filepath.Join(d.basePath, filename)
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete destination file: %w", err)
	}
	return nil
}

func (d *LocalDestination) List() ([]RemoteFile, error) {
	entries, err := os.ReadDir(d.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read destination directory: %w", err)
	}
	var files []RemoteFile
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".zip" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, RemoteFile{
			Filename:  entry.Name(),
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime().Unix(),
		})
	}
	return files, nil
}

func (d *LocalDestination) GetType() string { return "local" }

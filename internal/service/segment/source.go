package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Source resolves an audio reference to a readable stream.
type Source interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// ErrOutsideRoot is returned for references that resolve outside FileSource.Root.
var ErrOutsideRoot = errors.New("audio reference is outside the audio root")

// FileSource opens audio from the local or shared filesystem.
// Relative references and file:// URIs are resolved against Root, and
// references that escape Root are rejected. An empty Root opens any path.
type FileSource struct {
	Root string
}

// Open opens the file named by uri.
func (s FileSource) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(uri)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

func (s FileSource) resolve(uri string) (string, error) {
	path := strings.TrimPrefix(uri, "file://")
	if path == "" {
		return "", fmt.Errorf("empty audio reference")
	}
	if s.Root == "" {
		return filepath.Clean(path), nil
	}

	root := filepath.Clean(s.Root)
	if filepath.IsAbs(path) {
		path = filepath.Clean(path)
	} else {
		path = filepath.Join(root, path)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, uri)
	}
	return path, nil
}

package decoder

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Stage copies the model tree under src to dst when dst does not exist yet.
// It returns false without copying when dst is already present.
func Stage(src, dst string) (bool, error) {
	if _, err := os.Stat(dst); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat %s: %w", dst, err)
	}

	tmp := dst + ".staging"
	if err := os.RemoveAll(tmp); err != nil {
		return false, fmt.Errorf("clear %s: %w", tmp, err)
	}

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(tmp, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
	if err != nil {
		os.RemoveAll(tmp)
		return false, fmt.Errorf("copy models from %s: %w", src, err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.RemoveAll(tmp)
		return false, fmt.Errorf("install models at %s: %w", dst, err)
	}
	return true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

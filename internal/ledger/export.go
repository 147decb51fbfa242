package ledger

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Export writes the newest limit runs (logs and sidecars) to w as a
// zstd-compressed tar stream. limit <= 0 exports every run. It returns the
// number of runs written.
func (l *Ledger) Export(w io.Writer, limit int) (int, error) {
	keys, err := l.Keys()
	if err != nil {
		return 0, err
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	for _, key := range keys {
		if err := addFile(tw, filepath.Join(l.dir, key+logExt), l.job); err != nil {
			zw.Close()
			return 0, err
		}
		err := addFile(tw, sidecarPath(l.dir, key), l.job)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			zw.Close()
			return 0, err
		}
	}

	if err := tw.Close(); err != nil {
		zw.Close()
		return 0, fmt.Errorf("finish tar stream: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("finish zstd stream: %w", err)
	}
	return len(keys), nil
}

func addFile(tw *tar.Writer, path, prefix string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", path, err)
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("tar header for %q: %w", path, err)
	}
	hdr.Name = filepath.ToSlash(filepath.Join(prefix, info.Name()))
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	// a log still being appended to may grow past the header size
	if _, err := io.CopyN(tw, f, info.Size()); err != nil {
		return fmt.Errorf("copy %q: %w", path, err)
	}
	return nil
}

package txhashset

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klingnet-labs/txhashset/internal/log"
	"github.com/klingnet-labs/txhashset/pkg/block"
)

const (
	snapshotFilePrefix = "txhashset_snapshot_"
	snapshotFileSuffix = ".zip"
)

// DefaultSnapshotMaxAge bounds how long a generated snapshot zip sits on
// disk before ZipRead's opportunistic cleanup removes it.
const DefaultSnapshotMaxAge = 24 * time.Hour

// allowedSnapshotDirs are the only top-level directories a snapshot zip
// may contain entries under; ZipWrite refuses anything else rather than
// extracting an arbitrary archive onto disk.
var allowedSnapshotDirs = map[string]bool{
	dirOutput: true, dirRangeproof: true, dirKernel: true,
	dirTokenOutput: true, dirTokenRangeproof: true, dirTokenIssueProof: true, dirTokenKernel: true,
	dirHeader: true, dirBitmap: true,
}

func snapshotFileName(header *block.Header) string {
	return snapshotFilePrefix + header.Hash().String() + snapshotFileSuffix
}

// allowListedPaths returns every on-disk artifact path a snapshot zip may
// contain, relative to t.dir.
func (t *TxHashSet) allowListedPaths() ([]string, error) {
	var abs []string
	abs = append(abs, t.Output.Backend.SnapshotZipPaths()...)
	abs = append(abs, t.Rangeproof.Backend.SnapshotZipPaths()...)
	abs = append(abs, t.Kernel.Backend.SnapshotZipPaths()...)
	abs = append(abs, t.TokenOutput.Backend.SnapshotZipPaths()...)
	abs = append(abs, t.TokenRangeproof.Backend.SnapshotZipPaths()...)
	abs = append(abs, t.TokenIssueProof.Backend.SnapshotZipPaths()...)
	abs = append(abs, t.TokenKernel.Backend.SnapshotZipPaths()...)
	abs = append(abs, t.Header.Backend.SnapshotZipPaths()...)
	abs = append(abs, t.Bitmap.SnapshotZipPath())

	rel := make([]string, 0, len(abs))
	for _, p := range abs {
		r, err := filepath.Rel(t.dir, p)
		if err != nil {
			return nil, fmt.Errorf("txhashset: snapshot path %s not under %s: %w", p, t.dir, err)
		}
		rel = append(rel, r)
	}
	return rel, nil
}

// cleanupOldSnapshots removes snapshot zips under dir older than maxAge,
// identified by the txhashset_snapshot_ filename prefix so nothing else in
// the directory is touched.
func cleanupOldSnapshots(dir string, maxAge time.Duration) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	now := time.Now()
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, snapshotFilePrefix) || !strings.HasSuffix(name, snapshotFileSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > maxAge {
			path := filepath.Join(dir, name)
			if err := os.Remove(path); err != nil {
				log.TxHashSet.Warn().Err(err).Str("path", path).Msg("snapshot cleanup: failed to remove stale zip")
			} else {
				log.TxHashSet.Debug().Str("path", path).Msg("snapshot cleanup: removed stale zip")
			}
		}
	}
}

// ZipRead returns the path to a snapshot zip of t's current on-disk state
// tagged with header's hash, building one if it doesn't already exist.
// Before building, it opportunistically removes snapshot zips older than
// maxAge so a long-running node doesn't accumulate one per sync attempt.
func (t *TxHashSet) ZipRead(snapshotDir string, header *block.Header, maxAge time.Duration) (string, error) {
	if maxAge <= 0 {
		maxAge = DefaultSnapshotMaxAge
	}
	cleanupOldSnapshots(snapshotDir, maxAge)

	zipPath := filepath.Join(snapshotDir, snapshotFileName(header))
	if _, err := os.Stat(zipPath); err == nil {
		return zipPath, nil
	}

	rel, err := t.allowListedPaths()
	if err != nil {
		return "", err
	}

	tmpDir, err := os.MkdirTemp(snapshotDir, "txhashset-build-"+header.Hash().String()+"-")
	if err != nil {
		return "", fmt.Errorf("txhashset: create snapshot staging dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	for _, r := range rel {
		src := filepath.Join(t.dir, r)
		dst := filepath.Join(tmpDir, r)
		if err := copyFile(src, dst); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("txhashset: stage %s for snapshot: %w", r, err)
		}
	}

	if err := writeZip(zipPath, tmpDir, rel); err != nil {
		return "", err
	}
	log.TxHashSet.Info().Str("path", zipPath).Str("header", header.Hash().String()).Msg("txhashset snapshot built")
	return zipPath, nil
}

// ZipWrite extracts a snapshot zip's contents into destDir, rejecting any
// entry whose path isn't rooted under one of the engine's known MMR
// directories — no wildcard extraction of an arbitrary archive.
func ZipWrite(destDir string, data []byte, header *block.Header) error {
	r, err := zip.NewReader(strings.NewReader(string(data)), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: open snapshot zip for %s: %v", ErrInvalidTxHashSet, header.Hash(), err)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("txhashset: create snapshot dest dir: %w", err)
	}

	for _, f := range r.File {
		clean := filepath.Clean(f.Name)
		parts := strings.SplitN(clean, string(filepath.Separator), 2)
		if len(parts) == 0 || !allowedSnapshotDirs[parts[0]] {
			return fmt.Errorf("%w: snapshot zip entry %q outside allowed layout", ErrInvalidTxHashSet, f.Name)
		}
		dst := filepath.Join(destDir, clean)
		if !strings.HasPrefix(dst, filepath.Clean(destDir)+string(filepath.Separator)) {
			return fmt.Errorf("%w: snapshot zip entry %q escapes destination", ErrInvalidTxHashSet, f.Name)
		}
		if err := extractZipEntry(f, dst); err != nil {
			return fmt.Errorf("txhashset: extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractZipEntry(f *zip.File, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

// TxHashSetReplace atomically swaps toDir out for fromDir, the final step
// of adopting a fast-sync'd txhashset: the destination directory is
// removed, then the staged directory is renamed over it.
func TxHashSetReplace(fromDir, toDir string) error {
	if err := os.RemoveAll(toDir); err != nil {
		return fmt.Errorf("txhashset: remove destination for replace: %w", err)
	}
	if err := os.Rename(fromDir, toDir); err != nil {
		return fmt.Errorf("txhashset: rename staged txhashset into place: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func writeZip(zipPath, baseDir string, rel []string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("txhashset: create snapshot zip: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, r := range rel {
		src := filepath.Join(baseDir, r)
		data, err := os.ReadFile(src)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			zw.Close()
			return fmt.Errorf("txhashset: read %s for snapshot: %w", r, err)
		}
		w, err := zw.Create(filepath.ToSlash(r))
		if err != nil {
			zw.Close()
			return fmt.Errorf("txhashset: add %s to snapshot: %w", r, err)
		}
		if _, err := w.Write(data); err != nil {
			zw.Close()
			return fmt.Errorf("txhashset: write %s to snapshot: %w", r, err)
		}
	}
	return zw.Close()
}

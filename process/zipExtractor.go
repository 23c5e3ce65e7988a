package process

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/instead-launcher/instead-launcher/db"
	"go.uber.org/zap"
)

// Expands an archive into a directory
type ArchiveExtractor interface {
	Extract(archivePath string, destDir string) error
}

type ZipExtractor struct {
	logger *zap.SugaredLogger
}

func NewZipExtractor(l *zap.SugaredLogger) *ZipExtractor {
	if l == nil {
		l = zap.S()
	}
	return &ZipExtractor{logger: l}
}

// Extract unpacks archivePath into destDir. Every entry is validated before the
// first file is written, so an archive with a path traversal entry writes nothing.
// If writing fails midway the files and directories created so far are removed.
func (z *ZipExtractor) Extract(archivePath string, destDir string) error {
	op := "extract " + filepath.Base(archivePath)

	reader, err := zip.OpenReader(archivePath)
	if errors.Is(err, zip.ErrInsecurePath) {
		reader.Close()
		return db.ExtractionError(op, fmt.Errorf("%w: %v", db.ErrPathTraversal, err))
	}
	if err != nil {
		return db.ExtractionError(op, err)
	}
	defer reader.Close()

	destDir, err = filepath.Abs(destDir)
	if err != nil {
		return db.FilesystemError(op, err)
	}

	targets := make([]string, len(reader.File))
	for i, f := range reader.File {
		target, err := entryTarget(destDir, f)
		if err != nil {
			return db.ExtractionError(op, err)
		}
		targets[i] = target
	}

	created := []string{}
	for i, f := range reader.File {
		newPaths, err := z.extractEntry(f, destDir, targets[i])
		created = append(created, newPaths...)
		if err != nil {
			z.rollback(created)
			return db.ExtractionError(op, fmt.Errorf("entry [%v]: %w", f.Name, err))
		}
	}

	z.logger.Infof("extracted %v entries from [%v] into [%v]", len(reader.File), archivePath, destDir)
	return nil
}

// entryTarget resolves the destination path of an entry and rejects anything
// that would land outside destDir
func entryTarget(destDir string, f *zip.File) (string, error) {
	name := strings.ReplaceAll(f.Name, "\\", "/")
	if name == "" || strings.HasPrefix(name, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: [%v]", db.ErrPathTraversal, f.Name)
	}
	if f.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("%w: symlink [%v]", db.ErrPathTraversal, f.Name)
	}

	target := filepath.Join(destDir, filepath.FromSlash(name))
	rel, err := filepath.Rel(destDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: [%v]", db.ErrPathTraversal, f.Name)
	}
	return target, nil
}

// extractEntry writes one entry and returns the paths it created
func (z *ZipExtractor) extractEntry(f *zip.File, destDir string, target string) ([]string, error) {
	isDir := f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/")

	dir := target
	if !isDir {
		dir = filepath.Dir(target)
	}
	created, err := mkdirAll(destDir, dir)
	if err != nil || isDir {
		return created, err
	}

	_, statErr := os.Lstat(target)
	existed := statErr == nil

	src, err := f.Open()
	if err != nil {
		return created, err
	}
	defer src.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return created, err
	}
	if !existed {
		created = append(created, target)
	}

	_, err = io.Copy(out, src)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return created, err
}

// mkdirAll creates dir and its missing parents below root, returning the new ones
func mkdirAll(root string, dir string) ([]string, error) {
	missing := []string{}
	for d := dir; d != root && len(d) > len(root); d = filepath.Dir(d) {
		if _, err := os.Stat(d); err == nil {
			break
		}
		missing = append(missing, d)
	}

	created := []string{}
	for i := len(missing) - 1; i >= 0; i-- {
		if err := os.Mkdir(missing[i], 0755); err != nil && !os.IsExist(err) {
			return created, err
		}
		created = append(created, missing[i])
	}
	return created, nil
}

func (z *ZipExtractor) rollback(created []string) {
	for i := len(created) - 1; i >= 0; i-- {
		if err := os.Remove(created[i]); err != nil {
			z.logger.Warnf("failed to clean up [%v] after failed extraction - %v", created[i], err)
		}
	}
}

package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/instead-launcher/instead-launcher/db"
	"github.com/instead-launcher/instead-launcher/fileio"
	"go.uber.org/zap"
)

const (
	INSTALL_LOCK_FILENAME   = "install.lock"
	TEMP_FILE_PATTERN       = "instead-launcher-*.part"
	LOCK_TIMEOUT            = 1 * time.Second
	DIAL_TIMEOUT            = 30 * time.Second
	DOWNLOAD_HEADER_TIMEOUT = 30 * time.Second
)

// Installer downloads a catalog game and unpacks it into the games directory
type Installer struct {
	httpClient *http.Client
	extractor  ArchiveExtractor
	tempDir    string
	lockDir    string
	logger     *zap.SugaredLogger
}

// NewDownloadClient bounds connecting and waiting for the response headers,
// the body itself may take as long as it needs.
func NewDownloadClient(headerTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: DIAL_TIMEOUT}).DialContext,
			TLSHandshakeTimeout:   headerTimeout,
			ResponseHeaderTimeout: headerTimeout,
		},
	}
}

// tempDir may be empty to use the system default.
// lockDir is a per-user directory (the launcher working folder) holding the
// install lock, empty disables the cross-process lock.
func NewInstaller(httpClient *http.Client, extractor ArchiveExtractor, tempDir string, lockDir string, l *zap.SugaredLogger) *Installer {
	if httpClient == nil {
		httpClient = NewDownloadClient(DOWNLOAD_HEADER_TIMEOUT)
	}
	if l == nil {
		l = zap.S()
	}
	if extractor == nil {
		extractor = NewZipExtractor(l)
	}
	return &Installer{httpClient: httpClient, extractor: extractor, tempDir: tempDir, lockDir: lockDir, logger: l}
}

// In-flight state of one archive download
type DownloadSession struct {
	Game     db.GameRecord
	TempFile string
	Total    int64
	Received int64
}

// Install downloads game.SourceUrl, moves the archive into gamesDir, extracts
// it there and removes the archive.
// ctx is only honoured while downloading: once every byte has arrived the
// install runs to completion so a game directory is never half extracted.
func (i *Installer) Install(ctx context.Context, game db.GameRecord, gamesDir string, progress db.ProgressFunc) error {
	op := "install " + game.Id

	archiveName, err := ArchiveName(game.SourceUrl)
	if err != nil {
		return db.NetworkError(op, err)
	}

	if info, err := os.Stat(gamesDir); err != nil || !info.IsDir() {
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			err = db.ErrGamesDirMissing
		}
		return db.FilesystemError(op, err)
	}

	archivePath := filepath.Join(gamesDir, archiveName)
	if _, err := os.Lstat(archivePath); err == nil {
		return db.FilesystemError(op, fmt.Errorf("%w: %v", db.ErrArchiveExists, archivePath))
	}

	unlock, err := i.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	// 1. download into a temp file outside the games directory
	session, err := i.download(ctx, game, progress)
	if session != nil {
		defer func() {
			if err := fileio.RemoveFile(session.TempFile); err != nil {
				i.logger.Warnf("can't remove temporary file [%v] - %v", session.TempFile, err)
			}
		}()
	}
	if err != nil {
		return err
	}

	// 2. move it next to the games
	if err := fileio.MoveFile(session.TempFile, archivePath); err != nil {
		i.logger.Errorf("can't move temporary file to the game dir [%v] - %v", archivePath, err)
		if errors.Is(err, fs.ErrExist) {
			err = fmt.Errorf("%w: %v", db.ErrArchiveExists, archivePath)
		}
		return db.FilesystemError(op, err)
	}

	// 3. unpack
	extractErr := i.extractor.Extract(archivePath, gamesDir)

	// 4. the archive is never kept, extracted or not
	if err := fileio.RemoveFile(archivePath); err != nil {
		i.logger.Warnf("can't remove archive [%v] - %v", archivePath, err)
	}

	if extractErr != nil {
		i.logger.Errorf("can't unzip game [%v] - %v", archivePath, extractErr)
		if db.KindOf(extractErr) == db.KindUnknown {
			extractErr = db.ExtractionError(op, extractErr)
		}
		return extractErr
	}

	i.logger.Infof("game [%v] version [%v] has been downloaded and unpacked", game.Id, game.Version)
	return nil
}

// lock keeps a second launcher process of the same user from installing at the same time.
// The lock file lives in the working folder so the games directory only ever gains games.
func (i *Installer) lock(ctx context.Context) (func(), error) {
	if i.lockDir == "" {
		return func() {}, nil
	}
	fileLock := flock.New(filepath.Join(i.lockDir, INSTALL_LOCK_FILENAME))
	lockCtx, cancel := context.WithTimeout(ctx, LOCK_TIMEOUT)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, db.Cancelled("install", ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, db.FilesystemError("install", db.ErrBusy)
		}
		return nil, db.FilesystemError("install", fmt.Errorf("failed to acquire lock: %w", err))
	}
	if !locked {
		return nil, db.FilesystemError("install", db.ErrBusy)
	}
	return func() {
		if err := fileLock.Unlock(); err != nil {
			i.logger.Warnf("failed to release install lock - %v", err)
		}
	}, nil
}

// download returns the session even on error so the caller can remove the temp file
func (i *Installer) download(ctx context.Context, game db.GameRecord, progress db.ProgressFunc) (*DownloadSession, error) {
	op := "download " + game.Id

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, game.SourceUrl, nil)
	if err != nil {
		return nil, db.NetworkError(op, err)
	}

	tmp, err := os.CreateTemp(i.tempDir, TEMP_FILE_PATTERN)
	if err != nil {
		return nil, db.FilesystemError(op, err)
	}
	session := &DownloadSession{Game: game, TempFile: tmp.Name(), Total: -1}
	defer tmp.Close()

	i.logger.Infof("downloading game [%v] from %v", game.Id, game.SourceUrl)
	resp, err := i.httpClient.Do(req)
	if err != nil {
		return session, db.TransferError(ctx, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return session, db.NetworkError(op, errors.New("got a non 200 response - "+resp.Status))
	}

	session.Total = resp.ContentLength
	i.logger.Debugf("header received, length=%v", session.Total)

	counter := db.NewProgressReader(resp.Body, session.Total, func(received int64, total int64) {
		session.Received = received
		if progress != nil {
			progress(received, total)
		}
	})
	if _, err := io.Copy(tmp, counter); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return session, db.Cancelled(op, ctx.Err())
		}
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return session, db.FilesystemError(op, err)
		}
		return session, db.NetworkError(op, err)
	}

	if session.Total >= 0 && session.Received != session.Total {
		return session, db.NetworkError(op, fmt.Errorf("download truncated, got %v of %v bytes", session.Received, session.Total))
	}

	if err := tmp.Sync(); err != nil {
		return session, db.FilesystemError(op, err)
	}
	return session, nil
}

// ArchiveName is the last segment of the download url path
func ArchiveName(sourceUrl string) (string, error) {
	if strings.TrimSpace(sourceUrl) == "" {
		return "", fmt.Errorf("%w: game has no download url", db.ErrInvalidURL)
	}
	u, err := url.Parse(sourceUrl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", db.ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: [%v]", db.ErrInvalidURL, sourceUrl)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" || name == ".." || strings.ContainsAny(name, `\:`) {
		return "", fmt.Errorf("%w: no file name in [%v]", db.ErrInvalidURL, sourceUrl)
	}
	return name, nil
}

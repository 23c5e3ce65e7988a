package db

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

const (
	MARKER_FILENAME = "main.lua"
)

var (
	nameRegex    = regexp.MustCompile(`^-- \$Name:(.*)\$$`)
	versionRegex = regexp.MustCompile(`^-- \$Version:(.*)\$$`)
)

const (
	REASON_NO_MARKER = iota
	REASON_UNREADABLE_MARKER
	REASON_MARKER_IS_DIR
	REASON_BROKEN_LINK
)

type SkippedDir struct {
	ReasonCode int    `json:"reason_code"`
	ReasonText string `json:"reason"`
}

// Result of one full scan of the games directory
type LocalGamesDB struct {
	Games   []GameRecord
	Skipped map[string]SkippedDir
}

// Scans the games directory, holds no state between scans
type LocalGamesManager struct {
	logger *zap.SugaredLogger
}

func NewLocalGamesManager(l *zap.SugaredLogger) *LocalGamesManager {
	if l == nil {
		l = zap.S()
	}
	return &LocalGamesManager{logger: l}
}

// Scan builds the installed game list from the immediate subdirectories of gamesDir.
// A missing gamesDir returns an error matching ErrGamesDirMissing, a malformed
// game never fails the scan.
func (m *LocalGamesManager) Scan(gamesDir string, progress ProgressUpdater) (*LocalGamesDB, error) {
	entries, err := os.ReadDir(gamesDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, FilesystemError("scan "+gamesDir, ErrGamesDirMissing)
		}
		return nil, FilesystemError("scan "+gamesDir, err)
	}

	result := &LocalGamesDB{Games: []GameRecord{}, Skipped: map[string]SkippedDir{}}
	for i, entry := range entries {
		if progress != nil {
			progress.UpdateProgress(i+1, len(entries), entry.Name())
		}
		isDir := entry.IsDir()
		if entry.Type()&fs.ModeSymlink != 0 {
			// linked game folders count like real ones
			info, err := os.Stat(filepath.Join(gamesDir, entry.Name()))
			if err != nil {
				m.logger.Warnf("can't follow link [%v] - %v", entry.Name(), err)
				result.Skipped[entry.Name()] = SkippedDir{ReasonCode: REASON_BROKEN_LINK, ReasonText: "broken link"}
				continue
			}
			isDir = info.IsDir()
		}
		if !isDir {
			continue
		}
		game, skipped := m.readGame(gamesDir, entry.Name())
		if skipped != nil {
			result.Skipped[entry.Name()] = *skipped
			continue
		}
		m.logger.Debugf("found game %v [%v] version [%v]", game.Id, game.Title, game.Version)
		result.Games = append(result.Games, game)
	}

	return result, nil
}

func (m *LocalGamesManager) readGame(gamesDir string, gameId string) (GameRecord, *SkippedDir) {
	markerPath := filepath.Join(gamesDir, gameId, MARKER_FILENAME)
	info, err := os.Stat(markerPath)
	if err != nil {
		m.logger.Warnf("%v not found in [%v] - not a game", MARKER_FILENAME, gameId)
		return GameRecord{}, &SkippedDir{ReasonCode: REASON_NO_MARKER, ReasonText: MARKER_FILENAME + " not found"}
	}
	if info.IsDir() {
		return GameRecord{}, &SkippedDir{ReasonCode: REASON_MARKER_IS_DIR, ReasonText: MARKER_FILENAME + " is a directory"}
	}

	file, err := os.Open(markerPath)
	if err != nil {
		m.logger.Warnf("can't open %v - %v", markerPath, err)
		return GameRecord{}, &SkippedDir{ReasonCode: REASON_UNREADABLE_MARKER, ReasonText: err.Error()}
	}
	defer file.Close()

	lines, err := readLines(file, 2)
	if err != nil {
		m.logger.Warnf("can't read %v - %v", markerPath, err)
		return GameRecord{}, &SkippedDir{ReasonCode: REASON_UNREADABLE_MARKER, ReasonText: err.Error()}
	}

	meta := ParseMarker(lines)
	if !meta.NameFound {
		m.logger.Warnf("[%v] first line doesn't contain the game name", gameId)
	}
	if !meta.VersionFound {
		m.logger.Warnf("[%v] second line doesn't contain the game version", gameId)
	}

	return GameRecord{Id: gameId, Title: meta.Name, Version: meta.Version}, nil
}

// Fields read from the header of a marker file
type MarkerMeta struct {
	Name         string
	Version      string
	NameFound    bool
	VersionFound bool
}

// ParseMarker reads the name from the first line and the version from the second.
// Missing lines or lines that don't match leave the field empty.
func ParseMarker(lines []string) MarkerMeta {
	meta := MarkerMeta{}
	if len(lines) > 0 {
		meta.Name, meta.NameFound = capture(nameRegex, strings.TrimPrefix(lines[0], "\ufeff"))
	}
	if len(lines) > 1 {
		meta.Version, meta.VersionFound = capture(versionRegex, lines[1])
	}
	return meta
}

func capture(re *regexp.Regexp, line string) (string, bool) {
	res := re.FindStringSubmatch(strings.TrimRight(line, "\r"))
	if len(res) != 2 {
		return "", false
	}
	return strings.TrimSpace(res[1]), true
}

func readLines(file *os.File, n int) ([]string, error) {
	scanner := bufio.NewScanner(file)
	lines := make([]string, 0, n)
	for len(lines) < n && scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	return lines, nil
}

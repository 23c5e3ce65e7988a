package settings

import (
	"os"
	"path/filepath"
)

const (
	SETTINGS_DIR = ".instead"
	GAMES_DIR    = "games"
)

// GetWorkingFolder returns ~/.instead, creating it if needed
func GetWorkingFolder() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	workingFolder := filepath.Join(home, SETTINGS_DIR)
	if err := os.MkdirAll(workingFolder, os.ModePerm); err != nil {
		return "", err
	}
	return workingFolder, nil
}

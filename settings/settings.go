package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/magiconair/properties"
	"go.uber.org/zap"
)

const (
	SETTINGS_FILENAME    = "launcher.conf"
	DEFAULT_UPDATE_URL   = "http://instead-launcher.googlecode.com/files/game_list.xml"
	KEY_UPDATE_URL       = "UpdateURL"
	KEY_INSTEAD_PATH     = "InsteadPath"
	KEY_AUTO_REFRESH     = "AutoRefresh"
	KEY_GAMES_PATH       = "GamesPath"
	LAUNCHER_VERSION     = "0.2.0"
	DEFAULT_UNIX_INSTEAD = "/usr/local/bin/sdl-instead"
	DEFAULT_WIN_INSTEAD  = "sdl-instead.exe"
)

// Setting of the launcher, persisted as key=value lines
type AppSettings struct {
	baseFolder  string
	logger      *zap.SugaredLogger
	UpdateURL   string `json:"update_url"`
	InsteadPath string `json:"instead_path"`
	AutoRefresh bool   `json:"auto_refresh"`
	// Empty means <baseFolder>/games
	GamesPath string `json:"games_path,omitempty"`
}

// Constructor for settings, reads <baseFolder>/launcher.conf
func NewAppSettings(baseFolder string, l *zap.SugaredLogger) *AppSettings {
	if l == nil {
		l = zap.S()
	}
	a := &AppSettings{baseFolder: baseFolder, logger: l}
	a.Reset()
	a.read()
	return a
}

// Get the settings file path
func (a *AppSettings) Path() string {
	return filepath.Join(a.baseFolder, SETTINGS_FILENAME)
}

func (a *AppSettings) BaseFolder() string {
	return a.baseFolder
}

// Directory holding one subdirectory per installed game
func (a *AppSettings) GamesDir() string {
	if a.GamesPath != "" {
		return a.GamesPath
	}
	return filepath.Join(a.baseFolder, GAMES_DIR)
}

func (a *AppSettings) read() {
	loader := properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := loader.LoadFile(a.Path())
	if err != nil {
		a.logger.Warnf("can't open config file, using defaults - %v", err)
		return
	}
	a.apply(p)
	a.logger.Debugf("config loaded from %v", a.Path())
}

func (a *AppSettings) apply(p *properties.Properties) {
	p.DisableExpansion = true
	a.UpdateURL = p.GetString(KEY_UPDATE_URL, a.UpdateURL)
	a.InsteadPath = p.GetString(KEY_INSTEAD_PATH, a.InsteadPath)
	a.GamesPath = p.GetString(KEY_GAMES_PATH, a.GamesPath)
	if v, ok := p.Get(KEY_AUTO_REFRESH); ok {
		a.AutoRefresh = v == "true"
	}
}

// Reset fills the structure with default values
func (a *AppSettings) Reset() {
	a.UpdateURL = DEFAULT_UPDATE_URL
	a.InsteadPath = DefaultInterpreterPath()
	a.AutoRefresh = false
	a.GamesPath = ""
}

// Save writes all keys back to launcher.conf
func (a *AppSettings) Save() error {
	if err := os.MkdirAll(a.baseFolder, os.ModePerm); err != nil {
		return err
	}
	var buf bytes.Buffer
	if _, err := a.properties().Write(&buf, properties.UTF8); err != nil {
		return err
	}
	if err := os.WriteFile(a.Path(), buf.Bytes(), 0644); err != nil {
		a.logger.Warnf("can't save config file - %v", err)
		return err
	}
	a.logger.Debugf("config saved to %v", a.Path())
	return nil
}

func (a *AppSettings) properties() *properties.Properties {
	p := properties.NewProperties()
	p.DisableExpansion = true
	p.Set(KEY_UPDATE_URL, a.UpdateURL)
	p.Set(KEY_INSTEAD_PATH, a.InsteadPath)
	p.Set(KEY_AUTO_REFRESH, fmt.Sprintf("%v", a.AutoRefresh))
	if a.GamesPath != "" {
		p.Set(KEY_GAMES_PATH, a.GamesPath)
	}
	return p
}

// Return setting as JSON
func (a *AppSettings) ToJSON() string {
	jsonBytes, jsonErr := json.MarshalIndent(a, "", "  ")
	if jsonErr != nil {
		return ""
	}
	return string(jsonBytes)
}

// Load a JSON payload
func (a *AppSettings) Load(payload []byte) error {
	return json.Unmarshal(payload, a)
}

func DefaultInterpreterPath() string {
	if runtime.GOOS == "windows" {
		return DEFAULT_WIN_INSTEAD
	}
	return DEFAULT_UNIX_INSTEAD
}

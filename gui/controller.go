package gui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/instead-launcher/instead-launcher/db"
	"github.com/instead-launcher/instead-launcher/process"
	"github.com/instead-launcher/instead-launcher/settings"
	"go.uber.org/zap"
)

const (
	GUI_MESSAGE_REFRESH        = "refresh"
	GUI_MESSAGE_INSTALL        = "install"
	GUI_MESSAGE_CANCEL         = "cancel"
	GUI_MESSAGE_PLAY           = "play"
	GUI_MESSAGE_RESCAN         = "rescan"
	GUI_MESSAGE_LOCAL_GAMES    = "localGames"
	GUI_MESSAGE_REMOTE_GAMES   = "remoteGames"
	GUI_MESSAGE_LOAD_SETTINGS  = "loadSettings"
	GUI_MESSAGE_SAVE_SETTINGS  = "saveSettings"
	GUI_MESSAGE_RESET_SETTINGS = "resetSettings"
)

var ErrStopped = errors.New("controller is not running")

// GUI message
type Message struct {
	Name    string `json:"name"`
	Payload string `json:"payload"`
}

type Scanner interface {
	Scan(gamesDir string, progress db.ProgressUpdater) (*db.LocalGamesDB, error)
}

type CatalogFetcher interface {
	Fetch(ctx context.Context, catalogUrl string, local []db.GameRecord, progress db.ProgressFunc) ([]db.GameRecord, error)
	ClearCache() error
}

type GameInstaller interface {
	Install(ctx context.Context, game db.GameRecord, gamesDir string, progress db.ProgressFunc) error
}

// LaunchFunc starts the interpreter, the channel receives the exit status
type LaunchFunc func(ctx context.Context, interpreterPath string, gameId string) (<-chan error, error)

func defaultLaunch(l *zap.SugaredLogger) LaunchFunc {
	return func(ctx context.Context, interpreterPath string, gameId string) (<-chan error, error) {
		return process.NewGameLauncher(interpreterPath, l).Start(ctx, gameId)
	}
}

type operation struct {
	id     string
	state  State
	cancel context.CancelFunc
}

func (o operation) running() bool {
	return o.state == STATE_IN_PROGRESS
}

// Current state of the launcher as seen by a UI
type Snapshot struct {
	Local   []db.GameRecord          `json:"local"`
	Skipped map[string]db.SkippedDir `json:"skipped"`
	Remote  []db.GameRecord          `json:"remote"`
	Refresh State                    `json:"refresh"`
	Install State                    `json:"install"`
	Playing string                   `json:"playing,omitempty"`
}

// Controller sequences scans, catalog refreshes, installs and game launches.
// All state is owned by the goroutine running Run; workers and callers reach it
// through channels, so the snapshots have a single writer.
type Controller struct {
	logger    *zap.SugaredLogger
	settings  *settings.AppSettings
	scanner   Scanner
	catalog   CatalogFetcher
	installer GameInstaller
	launch    LaunchFunc
	watchWait time.Duration
	scanProg  db.ProgressUpdater

	requests chan func(ctx context.Context)
	updates  chan Event
	events   chan Event
	stopped  chan struct{}
	runOnce  sync.Once

	// owned by the Run goroutine
	local   *db.LocalGamesDB
	remote  []db.GameRecord
	pending []Event
	refresh operation
	install operation
	playing string
}

// Constructor for the controller
func NewController(l *zap.SugaredLogger, s *settings.AppSettings, scanner Scanner, catalog CatalogFetcher, installer GameInstaller) *Controller {
	if l == nil {
		l = zap.S()
	}
	return &Controller{
		logger:    l,
		settings:  s,
		scanner:   scanner,
		catalog:   catalog,
		installer: installer,
		launch:    defaultLaunch(l),
		requests:  make(chan func(ctx context.Context)),
		updates:   make(chan Event),
		events:    make(chan Event, 16),
		stopped:   make(chan struct{}),
		local:     &db.LocalGamesDB{Games: []db.GameRecord{}, Skipped: map[string]db.SkippedDir{}},
		remote:    []db.GameRecord{},
		refresh:   operation{state: STATE_IDLE},
		install:   operation{state: STATE_IDLE},
	}
}

// SetLauncher replaces the interpreter launcher, call before Run
func (c *Controller) SetLauncher(launch LaunchFunc) {
	c.launch = launch
}

// SetScanProgress reports per directory progress of local scans, call before Run
func (c *Controller) SetScanProgress(p db.ProgressUpdater) {
	c.scanProg = p
}

// EnableWatcher rescans the games directory when game folders appear or
// disappear, debounced by wait. Call before Run.
func (c *Controller) EnableWatcher(wait time.Duration) {
	c.watchWait = wait
}

// Events delivers progress and terminal events in order, closed when Run returns
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Run owns the controller state until ctx is done. It scans the local games,
// starts a catalog refresh when AutoRefresh is set, then serves messages.
func (c *Controller) Run(ctx context.Context) error {
	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("controller already ran")
	}
	defer close(c.events)
	defer close(c.stopped)

	c.rescan()

	if c.settings.AutoRefresh {
		if _, err := c.startRefresh(ctx); err != nil {
			c.logger.Warnf("auto refresh failed to start - %v", err)
		}
	}

	if c.watchWait > 0 {
		watcher := NewWatcher(c.settings.GamesDir(), c.watchWait, func() {
			if _, err := c.HandleMessage(Message{Name: GUI_MESSAGE_RESCAN}); err != nil && !errors.Is(err, ErrStopped) {
				c.logger.Warnf("rescan after directory change failed - %v", err)
			}
		}, c.logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				c.logger.Warnf("games directory watcher stopped - %v", err)
			}
		}()
	}

	for {
		var out chan Event
		var next Event
		if len(c.pending) > 0 {
			out = c.events
			next = c.pending[0]
		}

		select {
		case <-ctx.Done():
			c.cancelAll()
			return nil
		case out <- next:
			c.pending = c.pending[1:]
		case fn := <-c.requests:
			fn(ctx)
		case ev := <-c.updates:
			c.apply(ev)
		}
	}
}

// do runs fn on the Run goroutine and waits for it
func (c *Controller) do(fn func(ctx context.Context)) error {
	done := make(chan struct{})
	select {
	case c.requests <- func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	}:
	case <-c.stopped:
		return ErrStopped
	}
	<-done
	return nil
}

// post is used by worker goroutines to hand results to the Run goroutine
func (c *Controller) post(ev Event) {
	select {
	case c.updates <- ev:
	case <-c.stopped:
	}
}

// queue keeps events in order; consecutive progress events of one operation
// are merged so a slow consumer never holds up the loop
func (c *Controller) queue(ev Event) {
	if n := len(c.pending); n > 0 && ev.Type == EVENT_PROGRESS {
		last := c.pending[n-1]
		if last.Type == EVENT_PROGRESS && last.OpID == ev.OpID {
			c.pending[n-1] = ev
			return
		}
	}
	c.pending = append(c.pending, ev)
}

// Handle communication with the frontend
func (c *Controller) HandleMessage(msg Message) (string, error) {
	var retValue string
	var retErr error

	err := c.do(func(ctx context.Context) {
		c.logger.Debugf("received message from client [%v]", msg)
		switch msg.Name {
		case GUI_MESSAGE_REFRESH:
			retValue, retErr = c.startRefresh(ctx)

		case GUI_MESSAGE_INSTALL:
			game, ok := db.Find(c.remote, msg.Payload)
			if !ok {
				retErr = fmt.Errorf("%w: [%v] is not in the available games list", db.ErrUnknownGame, msg.Payload)
				return
			}
			retValue, retErr = c.startInstall(ctx, game)

		case GUI_MESSAGE_CANCEL:
			retErr = c.cancel(msg.Payload)

		case GUI_MESSAGE_PLAY:
			retValue, retErr = c.play(ctx, msg.Payload)

		case GUI_MESSAGE_RESCAN:
			retValue = c.rescan()

		case GUI_MESSAGE_LOCAL_GAMES:
			retValue = toJSON(c.localViews())

		case GUI_MESSAGE_REMOTE_GAMES:
			retValue = toJSON(c.remoteViews())

		case GUI_MESSAGE_LOAD_SETTINGS:
			retValue = c.settings.ToJSON()

		case GUI_MESSAGE_SAVE_SETTINGS:
			retErr = c.saveSettings([]byte(msg.Payload))

		case GUI_MESSAGE_RESET_SETTINGS:
			c.resetSettings()
			retValue = c.settings.ToJSON()

		default:
			retErr = fmt.Errorf("unknown message [%v]", msg.Name)
		}
	})
	if err != nil {
		return "", err
	}
	if retErr != nil {
		c.logger.Warnf("message [%v] failed - %v", msg.Name, retErr)
	}
	return retValue, retErr
}

// Snapshot returns copies of the current lists and operation states
func (c *Controller) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := c.do(func(ctx context.Context) {
		skipped := make(map[string]db.SkippedDir, len(c.local.Skipped))
		for k, v := range c.local.Skipped {
			skipped[k] = v
		}
		snap = Snapshot{
			Local:   append([]db.GameRecord{}, c.local.Games...),
			Skipped: skipped,
			Remote:  append([]db.GameRecord{}, c.remote...),
			Refresh: c.refresh.state,
			Install: c.install.state,
			Playing: c.playing,
		}
	})
	return snap, err
}

func (c *Controller) startRefresh(ctx context.Context) (string, error) {
	if c.refresh.running() {
		return "", fmt.Errorf("refresh: %w", db.ErrBusy)
	}

	opCtx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	c.refresh = operation{id: id, state: STATE_IN_PROGRESS, cancel: cancel}
	local := append([]db.GameRecord{}, c.local.Games...)
	catalogUrl := c.settings.UpdateURL

	c.logger.Infof("refresh [%v] started, updating list from %v", id, catalogUrl)
	go func() {
		defer cancel()
		games, err := c.catalog.Fetch(opCtx, catalogUrl, local, func(received int64, total int64) {
			c.post(progressEvent(id, OP_REFRESH, received, total))
		})
		ev := terminalEvent(id, OP_REFRESH, err)
		ev.Remote = games
		c.post(ev)
	}()
	return id, nil
}

func (c *Controller) startInstall(ctx context.Context, game db.GameRecord) (string, error) {
	if c.install.running() {
		return "", fmt.Errorf("install: %w", db.ErrBusy)
	}

	opCtx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	c.install = operation{id: id, state: STATE_IN_PROGRESS, cancel: cancel}
	gamesDir := c.settings.GamesDir()

	c.logger.Infof("install [%v] of [%v] version [%v] started", id, game.Id, game.Version)
	go func() {
		defer cancel()
		err := c.installer.Install(opCtx, game, gamesDir, func(received int64, total int64) {
			c.post(progressEvent(id, OP_INSTALL, received, total))
		})
		ev := terminalEvent(id, OP_INSTALL, err)
		ev.Game = game
		c.post(ev)
	}()
	return id, nil
}

func (c *Controller) cancel(which string) error {
	switch which {
	case string(OP_REFRESH):
		c.cancelOp(&c.refresh)
	case string(OP_INSTALL):
		c.cancelOp(&c.install)
	case "":
		c.cancelAll()
	default:
		return fmt.Errorf("nothing to cancel for [%v]", which)
	}
	return nil
}

func (c *Controller) cancelOp(op *operation) {
	if op.running() && op.cancel != nil {
		c.logger.Infof("cancelling operation [%v]", op.id)
		op.cancel()
	}
}

func (c *Controller) cancelAll() {
	c.cancelOp(&c.refresh)
	c.cancelOp(&c.install)
}

func (c *Controller) play(ctx context.Context, gameId string) (string, error) {
	if c.playing != "" {
		return "", fmt.Errorf("play: %w, [%v] is running", db.ErrBusy, c.playing)
	}
	if _, ok := db.Find(c.local.Games, gameId); !ok {
		return "", fmt.Errorf("%w: [%v] is not installed", db.ErrUnknownGame, gameId)
	}

	// the game outlives the launcher loop
	exited, err := c.launch(context.WithoutCancel(ctx), c.settings.InsteadPath, gameId)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	c.playing = gameId
	c.queue(Event{OpID: id, Op: OP_PLAY, Type: EVENT_GAME_STARTED, Game: db.GameRecord{Id: gameId}})
	go func() {
		err := <-exited
		ev := Event{OpID: id, Op: OP_PLAY, Type: EVENT_GAME_EXITED, Game: db.GameRecord{Id: gameId}, Err: err}
		if err != nil {
			ev.Message = err.Error()
		}
		c.post(ev)
	}()
	return id, nil
}

// apply folds a worker result into the controller state
func (c *Controller) apply(ev Event) {
	switch ev.Op {
	case OP_REFRESH:
		if ev.OpID != c.refresh.id {
			return
		}
		if ev.Type != EVENT_PROGRESS {
			c.refresh.state = stateOf(ev.Type)
			if ev.Type == EVENT_COMPLETED {
				// local may have changed while the list was downloading
				c.remote = db.FilterInstalled(ev.Remote, c.local.Games)
				ev.Remote = c.remote
			}
			c.logTerminal(ev)
		}
		c.queue(ev)

	case OP_INSTALL:
		if ev.OpID != c.install.id {
			return
		}
		if ev.Type == EVENT_PROGRESS {
			c.queue(ev)
			return
		}
		c.install.state = stateOf(ev.Type)
		c.logTerminal(ev)
		c.queue(ev)
		if ev.Type == EVENT_COMPLETED {
			c.rescan()
		}

	case OP_PLAY:
		c.playing = ""
		c.queue(ev)
	}
}

// rescan replaces the local snapshot and re-filters the held catalog
func (c *Controller) rescan() string {
	id := uuid.NewString()
	gamesDir := c.settings.GamesDir()

	local, err := c.scanner.Scan(gamesDir, c.scanProg)
	if err != nil && errors.Is(err, db.ErrGamesDirMissing) {
		c.logger.Infof("creating games directory %v", gamesDir)
		if mkErr := os.MkdirAll(gamesDir, os.ModePerm); mkErr != nil {
			err = db.FilesystemError("create games directory", mkErr)
		} else {
			local, err = c.scanner.Scan(gamesDir, c.scanProg)
		}
	}
	if err != nil {
		ev := terminalEvent(id, OP_SCAN, err)
		c.logTerminal(ev)
		c.queue(ev)
		return id
	}

	c.local = local
	c.remote = db.FilterInstalled(c.remote, c.local.Games)
	c.queue(Event{OpID: id, Op: OP_SCAN, Type: EVENT_LIBRARY_UPDATED, Local: local.Games, Skipped: local.Skipped, Remote: c.remote})
	return id
}

func (c *Controller) saveSettings(payload []byte) error {
	oldGamesDir := c.settings.GamesDir()
	oldUpdateURL := c.settings.UpdateURL
	if err := c.settings.Load(payload); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if err := c.settings.Save(); err != nil {
		return err
	}
	c.settingsChanged(oldGamesDir, oldUpdateURL)
	return nil
}

// resetSettings restores the defaults in memory, saving is left to saveSettings
func (c *Controller) resetSettings() {
	oldGamesDir := c.settings.GamesDir()
	oldUpdateURL := c.settings.UpdateURL
	c.settings.Reset()
	c.settingsChanged(oldGamesDir, oldUpdateURL)
}

func (c *Controller) settingsChanged(oldGamesDir string, oldUpdateURL string) {
	if c.settings.UpdateURL != oldUpdateURL {
		if err := c.catalog.ClearCache(); err != nil {
			c.logger.Warnf("failed to clear the game list cache - %v", err)
		}
	}
	if c.settings.GamesDir() != oldGamesDir {
		c.rescan()
	}
}

func (c *Controller) logTerminal(ev Event) {
	switch ev.Type {
	case EVENT_FAILED:
		c.logger.Errorf("%v [%v] failed - %v", ev.Op, ev.OpID, ev.Err)
	case EVENT_CANCELLED:
		c.logger.Infof("%v [%v] cancelled", ev.Op, ev.OpID)
	default:
		c.logger.Infof("%v [%v] %v", ev.Op, ev.OpID, ev.Type)
	}
}

func (c *Controller) localViews() []GameView {
	views := make([]GameView, 0, len(c.local.Games))
	for _, g := range c.local.Games {
		views = append(views, GameView{Entry: db.LocalEntry(g)})
	}
	return views
}

func (c *Controller) remoteViews() []GameView {
	views := make([]GameView, 0, len(c.remote))
	for _, g := range c.remote {
		views = append(views, GameView{Entry: db.RemoteEntry(g), Status: db.ClassifyRemote(g, c.local.Games)})
	}
	return views
}

func toJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

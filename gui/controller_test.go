package gui

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/instead-launcher/instead-launcher/db"
	"github.com/instead-launcher/instead-launcher/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const eventTimeout = 5 * time.Second

type fakeScanner struct {
	mu    sync.Mutex
	games []db.GameRecord
	dirs  []string
}

func (f *fakeScanner) Scan(gamesDir string, progress db.ProgressUpdater) (*db.LocalGamesDB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs = append(f.dirs, gamesDir)
	return &db.LocalGamesDB{Games: append([]db.GameRecord{}, f.games...), Skipped: map[string]db.SkippedDir{}}, nil
}

func (f *fakeScanner) setGames(games ...db.GameRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.games = games
}

func (f *fakeScanner) scannedDirs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.dirs...)
}

type fakeCatalog struct {
	fetch   func(ctx context.Context, local []db.GameRecord, progress db.ProgressFunc) ([]db.GameRecord, error)
	cleared atomic.Int32
}

func (f *fakeCatalog) Fetch(ctx context.Context, catalogUrl string, local []db.GameRecord, progress db.ProgressFunc) ([]db.GameRecord, error) {
	return f.fetch(ctx, local, progress)
}

func (f *fakeCatalog) ClearCache() error {
	f.cleared.Add(1)
	return nil
}

func staticCatalog(remote ...db.GameRecord) *fakeCatalog {
	return &fakeCatalog{fetch: func(ctx context.Context, local []db.GameRecord, progress db.ProgressFunc) ([]db.GameRecord, error) {
		return db.FilterInstalled(remote, local), nil
	}}
}

type fakeInstaller struct {
	install func(ctx context.Context, game db.GameRecord, progress db.ProgressFunc) error
}

func (f *fakeInstaller) Install(ctx context.Context, game db.GameRecord, gamesDir string, progress db.ProgressFunc) error {
	return f.install(ctx, game, progress)
}

func newTestController(t *testing.T, scanner Scanner, catalog CatalogFetcher, installer GameInstaller) *Controller {
	t.Helper()
	l := zaptest.NewLogger(t).Sugar()
	s := settings.NewAppSettings(t.TempDir(), l)
	s.GamesPath = t.TempDir()
	if installer == nil {
		installer = &fakeInstaller{install: func(ctx context.Context, game db.GameRecord, progress db.ProgressFunc) error {
			return nil
		}}
	}
	return NewController(l, s, scanner, catalog, installer)
}

func start(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, c.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		// drain so Run is never stuck on a full channel
		for range c.Events() {
		}
		<-done
	})
}

// waitFor returns the first event matching match, failing the test on timeout
func waitFor(t *testing.T, c *Controller, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(eventTimeout)
	for {
		select {
		case ev, ok := <-c.Events():
			require.True(t, ok, "events channel closed")
			if match(ev) {
				return ev
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for event")
		}
	}
}

func terminalOf(opId string) func(Event) bool {
	return func(ev Event) bool {
		return ev.OpID == opId && ev.Terminal()
	}
}

func send(t *testing.T, c *Controller, name string, payload string) string {
	t.Helper()
	value, err := c.HandleMessage(Message{Name: name, Payload: payload})
	require.NoError(t, err)
	return value
}

func TestRefreshFiltersInstalled(t *testing.T) {
	scanner := &fakeScanner{games: []db.GameRecord{{Id: "foo", Title: "Foo", Version: "1.0"}}}
	catalog := staticCatalog(
		db.GameRecord{Id: "foo", Version: "1.0", SourceUrl: "http://x/foo-1.0.zip"},
		db.GameRecord{Id: "foo", Version: "2.0", SourceUrl: "http://x/foo-2.0.zip"},
		db.GameRecord{Id: "bar", Version: "1.0", SourceUrl: "http://x/bar.zip"},
	)
	c := newTestController(t, scanner, catalog, nil)
	start(t, c)

	opId := send(t, c, GUI_MESSAGE_REFRESH, "")
	ev := waitFor(t, c, terminalOf(opId))
	assert.Equal(t, EVENT_COMPLETED, ev.Type)
	require.Len(t, ev.Remote, 2)
	assert.Equal(t, "2.0", ev.Remote[0].Version)
	assert.Equal(t, "bar", ev.Remote[1].Id)

	snapshot, err := c.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, ev.Remote, snapshot.Remote)
	assert.Equal(t, STATE_COMPLETED, snapshot.Refresh)
	assert.Equal(t, STATE_IDLE, snapshot.Install)
}

func TestRefreshProgressOrder(t *testing.T) {
	catalog := &fakeCatalog{fetch: func(ctx context.Context, local []db.GameRecord, progress db.ProgressFunc) ([]db.GameRecord, error) {
		for i := int64(1); i <= 20; i++ {
			progress(i*10, 200)
		}
		return []db.GameRecord{}, nil
	}}
	c := newTestController(t, &fakeScanner{}, catalog, nil)
	start(t, c)

	opId := send(t, c, GUI_MESSAGE_REFRESH, "")

	var events []Event
	waitFor(t, c, func(ev Event) bool {
		if ev.OpID == opId {
			events = append(events, ev)
		}
		return ev.OpID == opId && ev.Terminal()
	})

	require.NotEmpty(t, events)
	last := int64(0)
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, EVENT_PROGRESS, ev.Type)
		assert.GreaterOrEqual(t, ev.Received, last)
		assert.Equal(t, int64(200), ev.Total)
		last = ev.Received
	}
	assert.Equal(t, EVENT_COMPLETED, events[len(events)-1].Type)

	// nothing follows the terminal event
	select {
	case ev := <-c.Events():
		assert.NotEqual(t, opId, ev.OpID)
	case <-time.After(100 * time.Millisecond):
	}
}

func blockingCatalog() *fakeCatalog {
	return &fakeCatalog{fetch: func(ctx context.Context, local []db.GameRecord, progress db.ProgressFunc) ([]db.GameRecord, error) {
		progress(1, -1)
		<-ctx.Done()
		return nil, db.Cancelled("fetch game list", ctx.Err())
	}}
}

func TestRefreshBusyAndCancel(t *testing.T) {
	c := newTestController(t, &fakeScanner{}, blockingCatalog(), nil)
	start(t, c)

	opId := send(t, c, GUI_MESSAGE_REFRESH, "")
	progress := waitFor(t, c, func(ev Event) bool { return ev.OpID == opId })
	assert.Equal(t, EVENT_PROGRESS, progress.Type)
	assert.Equal(t, int64(-1), progress.Total)

	_, err := c.HandleMessage(Message{Name: GUI_MESSAGE_REFRESH})
	assert.ErrorIs(t, err, db.ErrBusy)

	snapshot, err := c.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, STATE_IN_PROGRESS, snapshot.Refresh)

	send(t, c, GUI_MESSAGE_CANCEL, "refresh")
	ev := waitFor(t, c, terminalOf(opId))
	assert.Equal(t, EVENT_CANCELLED, ev.Type)
	assert.Equal(t, db.KindCancelled, ev.Kind)

	snapshot, err = c.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, STATE_CANCELLED, snapshot.Refresh)

	// a finished operation can be started again
	_, err = c.HandleMessage(Message{Name: GUI_MESSAGE_REFRESH})
	assert.NoError(t, err)
}

func TestInstallRescansAndRefilters(t *testing.T) {
	scanner := &fakeScanner{}
	catalog := staticCatalog(
		db.GameRecord{Id: "cat", Version: "1.0", SourceUrl: "http://x/cat.zip"},
		db.GameRecord{Id: "dog", Version: "1.0", SourceUrl: "http://x/dog.zip"},
	)
	installer := &fakeInstaller{install: func(ctx context.Context, game db.GameRecord, progress db.ProgressFunc) error {
		progress(50, 100)
		progress(100, 100)
		scanner.setGames(db.GameRecord{Id: game.Id, Version: game.Version})
		return nil
	}}
	c := newTestController(t, scanner, catalog, installer)
	start(t, c)

	refreshId := send(t, c, GUI_MESSAGE_REFRESH, "")
	waitFor(t, c, terminalOf(refreshId))

	installId := send(t, c, GUI_MESSAGE_INSTALL, "cat")
	ev := waitFor(t, c, terminalOf(installId))
	assert.Equal(t, EVENT_COMPLETED, ev.Type)
	assert.Equal(t, "cat", ev.Game.Id)

	updated := waitFor(t, c, func(ev Event) bool { return ev.Type == EVENT_LIBRARY_UPDATED })
	assert.Equal(t, []db.GameRecord{{Id: "cat", Version: "1.0"}}, updated.Local)
	require.Len(t, updated.Remote, 1)
	assert.Equal(t, "dog", updated.Remote[0].Id)

	snapshot, err := c.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, STATE_COMPLETED, snapshot.Install)
	assert.Len(t, snapshot.Local, 1)
	assert.Len(t, snapshot.Remote, 1)
}

func TestInstallUnknownGame(t *testing.T) {
	c := newTestController(t, &fakeScanner{}, staticCatalog(), nil)
	start(t, c)

	_, err := c.HandleMessage(Message{Name: GUI_MESSAGE_INSTALL, Payload: "nope"})
	assert.ErrorIs(t, err, db.ErrUnknownGame)
}

func TestInstallFailure(t *testing.T) {
	catalog := staticCatalog(db.GameRecord{Id: "cat", Version: "1.0", SourceUrl: "http://x/cat.zip"})
	installer := &fakeInstaller{install: func(ctx context.Context, game db.GameRecord, progress db.ProgressFunc) error {
		return db.NetworkError("download cat", errors.New("got a non 200 response - 404 Not Found"))
	}}
	c := newTestController(t, &fakeScanner{}, catalog, installer)
	start(t, c)

	waitFor(t, c, terminalOf(send(t, c, GUI_MESSAGE_REFRESH, "")))

	installId := send(t, c, GUI_MESSAGE_INSTALL, "cat")
	ev := waitFor(t, c, terminalOf(installId))
	assert.Equal(t, EVENT_FAILED, ev.Type)
	assert.Equal(t, db.KindNetwork, ev.Kind)
	assert.Contains(t, ev.Message, "404")
	assert.Contains(t, ev.Message, db.Remedy(db.KindNetwork))

	snapshot, err := c.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, STATE_FAILED, snapshot.Install)
	assert.Len(t, snapshot.Remote, 1)
}

func TestInstallBusy(t *testing.T) {
	catalog := staticCatalog(
		db.GameRecord{Id: "cat", Version: "1.0", SourceUrl: "http://x/cat.zip"},
		db.GameRecord{Id: "dog", Version: "1.0", SourceUrl: "http://x/dog.zip"},
	)
	installer := &fakeInstaller{install: func(ctx context.Context, game db.GameRecord, progress db.ProgressFunc) error {
		<-ctx.Done()
		return db.Cancelled("download", ctx.Err())
	}}
	c := newTestController(t, &fakeScanner{}, catalog, installer)
	start(t, c)

	waitFor(t, c, terminalOf(send(t, c, GUI_MESSAGE_REFRESH, "")))

	installId := send(t, c, GUI_MESSAGE_INSTALL, "cat")
	_, err := c.HandleMessage(Message{Name: GUI_MESSAGE_INSTALL, Payload: "dog"})
	assert.ErrorIs(t, err, db.ErrBusy)

	send(t, c, GUI_MESSAGE_CANCEL, "")
	ev := waitFor(t, c, terminalOf(installId))
	assert.Equal(t, EVENT_CANCELLED, ev.Type)
}

func TestPlay(t *testing.T) {
	scanner := &fakeScanner{games: []db.GameRecord{{Id: "cat", Version: "1.0"}}}
	c := newTestController(t, scanner, staticCatalog(), nil)

	exited := make(chan error, 1)
	var launchedWith []string
	c.SetLauncher(func(ctx context.Context, interpreterPath string, gameId string) (<-chan error, error) {
		launchedWith = []string{interpreterPath, gameId}
		return exited, nil
	})
	start(t, c)

	_, err := c.HandleMessage(Message{Name: GUI_MESSAGE_PLAY, Payload: "dog"})
	assert.ErrorIs(t, err, db.ErrUnknownGame)

	opId := send(t, c, GUI_MESSAGE_PLAY, "cat")
	started := waitFor(t, c, func(ev Event) bool { return ev.OpID == opId })
	assert.Equal(t, EVENT_GAME_STARTED, started.Type)
	assert.Equal(t, []string{settings.DefaultInterpreterPath(), "cat"}, launchedWith)

	_, err = c.HandleMessage(Message{Name: GUI_MESSAGE_PLAY, Payload: "cat"})
	assert.ErrorIs(t, err, db.ErrBusy)

	snapshot, err := c.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "cat", snapshot.Playing)

	exited <- nil
	ev := waitFor(t, c, func(ev Event) bool { return ev.OpID == opId })
	assert.Equal(t, EVENT_GAME_EXITED, ev.Type)
	assert.NoError(t, ev.Err)

	snapshot, err = c.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snapshot.Playing)
}

func TestMissingGamesDirIsCreated(t *testing.T) {
	l := zaptest.NewLogger(t).Sugar()
	s := settings.NewAppSettings(t.TempDir(), l)
	s.GamesPath = filepath.Join(t.TempDir(), "games")
	c := NewController(l, s, db.NewLocalGamesManager(l), staticCatalog(), nil)
	start(t, c)

	ev := waitFor(t, c, func(ev Event) bool { return ev.Op == OP_SCAN })
	assert.Equal(t, EVENT_LIBRARY_UPDATED, ev.Type)
	assert.Empty(t, ev.Local)
	assert.DirExists(t, s.GamesPath)
}

func TestSaveSettingsRescansNewGamesDir(t *testing.T) {
	scanner := &fakeScanner{}
	c := newTestController(t, scanner, staticCatalog(), nil)
	start(t, c)

	newDir := t.TempDir()
	send(t, c, GUI_MESSAGE_SAVE_SETTINGS, `{"games_path":"`+filepath.ToSlash(newDir)+`"}`)

	dirs := scanner.scannedDirs()
	require.Len(t, dirs, 2)
	assert.Equal(t, filepath.ToSlash(newDir), dirs[1])

	_, err := os.Stat(filepath.Join(c.settings.BaseFolder(), settings.SETTINGS_FILENAME))
	assert.NoError(t, err)
}

func TestLocalAndRemoteViews(t *testing.T) {
	scanner := &fakeScanner{games: []db.GameRecord{{Id: "foo", Version: "1.0"}}}
	c := newTestController(t, scanner, staticCatalog(
		db.GameRecord{Id: "foo", Version: "2.0", SourceUrl: "http://x/foo-2.zip"},
		db.GameRecord{Id: "bar", Version: "1.0", SourceUrl: "http://x/bar.zip"},
	), nil)
	start(t, c)
	waitFor(t, c, terminalOf(send(t, c, GUI_MESSAGE_REFRESH, "")))

	local := send(t, c, GUI_MESSAGE_LOCAL_GAMES, "")
	assert.JSONEq(t, `[{"origin":0,"game":{"id":"foo","title":"","version":"1.0"}}]`, local)

	remote := send(t, c, GUI_MESSAGE_REMOTE_GAMES, "")
	assert.JSONEq(t, `[
		{"origin":1,"game":{"id":"foo","title":"","version":"2.0","url":"http://x/foo-2.zip"},"status":"upgrade"},
		{"origin":1,"game":{"id":"bar","title":"","version":"1.0","url":"http://x/bar.zip"},"status":"new"}
	]`, remote)
}

func TestStoppedController(t *testing.T) {
	c := newTestController(t, &fakeScanner{}, staticCatalog(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Run(ctx))

	_, err := c.HandleMessage(Message{Name: GUI_MESSAGE_RESCAN})
	assert.ErrorIs(t, err, ErrStopped)
	_, err = c.Snapshot()
	assert.ErrorIs(t, err, ErrStopped)

	// closed once Run returns
	for range c.Events() {
	}
}

func TestResetSettingsRescansDefaultGamesDir(t *testing.T) {
	scanner := &fakeScanner{}
	catalog := staticCatalog()
	c := newTestController(t, scanner, catalog, nil)
	customDir := c.settings.GamesPath
	c.settings.UpdateURL = "http://example.com/other.xml"
	start(t, c)

	send(t, c, GUI_MESSAGE_RESET_SETTINGS, "")

	dirs := scanner.scannedDirs()
	require.Len(t, dirs, 2)
	assert.Equal(t, customDir, dirs[0])
	assert.Equal(t, filepath.Join(c.settings.BaseFolder(), settings.GAMES_DIR), dirs[1])
	assert.Equal(t, int32(1), catalog.cleared.Load())

	snapshot, err := c.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snapshot.Local)
}

func TestSaveSettingsClearsCacheOnNewURL(t *testing.T) {
	catalog := staticCatalog()
	c := newTestController(t, &fakeScanner{}, catalog, nil)
	start(t, c)

	send(t, c, GUI_MESSAGE_SAVE_SETTINGS, `{"update_url":"`+settings.DEFAULT_UPDATE_URL+`"}`)
	assert.Equal(t, int32(0), catalog.cleared.Load())

	send(t, c, GUI_MESSAGE_SAVE_SETTINGS, `{"update_url":"http://example.com/mirror.xml"}`)
	assert.Equal(t, int32(1), catalog.cleared.Load())
}

package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/instead-launcher/instead-launcher/db"
	"github.com/instead-launcher/instead-launcher/gui"
	"github.com/instead-launcher/instead-launcher/settings"
	"github.com/jedib0t/go-pretty/table"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

type Console struct {
	controller  *gui.Controller
	settings    *settings.AppSettings
	sugarLogger *zap.SugaredLogger

	// guards the bars, scan progress arrives on the controller goroutine
	barLock     sync.Mutex
	progressBar *progressbar.ProgressBar
	barOp       string
	scanBar     *progressbar.ProgressBar
}

func CreateConsole(controller *gui.Controller, appSettings *settings.AppSettings, sugarLogger *zap.SugaredLogger) *Console {
	return &Console{controller: controller, settings: appSettings, sugarLogger: sugarLogger}
}

// Start runs one command and returns the process exit code
func (c *Console) Start(args []string) int {
	if len(args) == 0 {
		flag.Usage()
		return 2
	}

	var err error
	switch args[0] {
	case "list":
		err = c.list()
	case "available":
		err = c.available()
	case "install":
		if len(args) < 2 {
			flag.Usage()
			return 2
		}
		err = c.install(args[1])
	case "play":
		if len(args) < 2 {
			flag.Usage()
			return 2
		}
		err = c.play(args[1])
	case "config":
		err = c.config(args[1:])
	default:
		fmt.Printf("unknown command [%v]\n\n", args[0])
		flag.Usage()
		return 2
	}

	if err != nil {
		if db.IsCancelled(err) {
			fmt.Printf("\nCancelled\n")
		} else {
			fmt.Printf("\n%v\n", describe(err))
		}
		return 1
	}
	return 0
}

func (c *Console) list() error {
	snapshot, err := c.controller.Snapshot()
	if err != nil {
		return err
	}

	if len(snapshot.Local) == 0 {
		fmt.Printf("\nNo games installed in [%v]\n", c.settings.GamesDir())
	} else {
		fmt.Printf("\nInstalled games in [%v]:\n\n", c.settings.GamesDir())
		t := newTable()
		t.AppendHeader(table.Row{"#", "Id", "Title", "Version"})
		for i, g := range snapshot.Local {
			t.AppendRow([]interface{}{i, g.Id, g.Title, g.Version})
		}
		t.AppendFooter(table.Row{"", "", "Total", len(snapshot.Local)})
		t.Render()
	}

	c.processIssues(snapshot.Skipped)
	return nil
}

func (c *Console) processIssues(skipped map[string]db.SkippedDir) {
	if len(skipped) == 0 {
		return
	}
	fmt.Print("\nSkipped folders:\n\n")

	names := make([]string, 0, len(skipped))
	for k := range skipped {
		names = append(names, k)
	}
	sort.Strings(names)

	t := newTable()
	t.AppendHeader(table.Row{"#", "Skipped folder", "Reason"})
	for i, name := range names {
		t.AppendRow([]interface{}{i, name, skipped[name].ReasonText})
	}
	t.AppendFooter(table.Row{"", "Total", len(skipped)})
	t.Render()
}

func (c *Console) available() error {
	if err := c.refresh(); err != nil {
		return err
	}

	payload, err := c.controller.HandleMessage(gui.Message{Name: gui.GUI_MESSAGE_REMOTE_GAMES})
	if err != nil {
		return err
	}
	var rows []gui.GameView
	if err := json.Unmarshal([]byte(payload), &rows); err != nil {
		return err
	}

	if len(rows) == 0 {
		fmt.Print("\nAll games from the list are installed!\n\n")
		return nil
	}
	fmt.Print("\nAvailable games:\n\n")
	t := newTable()
	t.AppendHeader(table.Row{"#", "Id", "Title", "Version", "Status", "Url"})
	for i, row := range rows {
		t.AppendRow([]interface{}{i, row.Game.Id, row.Game.Title, row.Game.Version, row.Status, row.Game.SourceUrl})
	}
	t.AppendFooter(table.Row{"", "", "", "", "Total", len(rows)})
	t.Render()
	return nil
}

func (c *Console) refresh() error {
	fmt.Printf("Updating game list from %v\n", c.settings.UpdateURL)
	opId, err := c.controller.HandleMessage(gui.Message{Name: gui.GUI_MESSAGE_REFRESH})
	if err != nil && !errors.Is(err, db.ErrBusy) {
		return err
	}
	// busy means the startup refresh is running, wait for that one
	_, err = c.wait(gui.OP_REFRESH, opId, gui.Event.Terminal)
	return err
}

func (c *Console) install(gameId string) error {
	if err := c.refresh(); err != nil {
		return err
	}

	fmt.Printf("Downloading [%v]\n", gameId)
	opId, err := c.controller.HandleMessage(gui.Message{Name: gui.GUI_MESSAGE_INSTALL, Payload: gameId})
	if err != nil {
		return err
	}
	ev, err := c.wait(gui.OP_INSTALL, opId, gui.Event.Terminal)
	if err != nil {
		return err
	}
	fmt.Printf("\nGame [%v] version [%v] installed\n", ev.Game.Id, ev.Game.Version)
	return nil
}

func (c *Console) play(gameId string) error {
	opId, err := c.controller.HandleMessage(gui.Message{Name: gui.GUI_MESSAGE_PLAY, Payload: gameId})
	if err != nil {
		return err
	}
	fmt.Printf("Running [%v] with %v\n", gameId, c.settings.InsteadPath)
	ev, err := c.wait(gui.OP_PLAY, opId, func(ev gui.Event) bool {
		return ev.Type == gui.EVENT_GAME_EXITED
	})
	if err != nil {
		return err
	}
	if ev.Err != nil {
		fmt.Printf("Game [%v] exited - %v\n", gameId, ev.Err)
	}
	return nil
}

func (c *Console) config(args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "reset":
			payload, err := c.controller.HandleMessage(gui.Message{Name: gui.GUI_MESSAGE_RESET_SETTINGS})
			if err != nil {
				return err
			}
			if _, err := c.controller.HandleMessage(gui.Message{Name: gui.GUI_MESSAGE_SAVE_SETTINGS, Payload: payload}); err != nil {
				return err
			}
		case "set":
			if len(args) != 3 {
				return fmt.Errorf("usage: config set <key> <value>")
			}
			if err := c.setOption(args[1], args[2]); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown config command [%v]", args[0])
		}
	}

	fmt.Printf("\nSettings [%v]:\n\n", c.settings.Path())
	t := newTable()
	t.AppendHeader(table.Row{"Key", "Value"})
	t.AppendRow([]interface{}{settings.KEY_UPDATE_URL, c.settings.UpdateURL})
	t.AppendRow([]interface{}{settings.KEY_INSTEAD_PATH, c.settings.InsteadPath})
	t.AppendRow([]interface{}{settings.KEY_AUTO_REFRESH, c.settings.AutoRefresh})
	t.AppendRow([]interface{}{settings.KEY_GAMES_PATH, c.settings.GamesDir()})
	t.Render()
	return nil
}

// setOption changes one key of launcher.conf through the settings messages
func (c *Console) setOption(key string, value string) error {
	payload, err := c.controller.HandleMessage(gui.Message{Name: gui.GUI_MESSAGE_LOAD_SETTINGS})
	if err != nil {
		return err
	}
	values := map[string]interface{}{}
	if err := json.Unmarshal([]byte(payload), &values); err != nil {
		return err
	}

	switch key {
	case settings.KEY_UPDATE_URL:
		values["update_url"] = value
	case settings.KEY_INSTEAD_PATH:
		values["instead_path"] = value
	case settings.KEY_AUTO_REFRESH:
		values["auto_refresh"] = value == "true"
	case settings.KEY_GAMES_PATH:
		values["games_path"] = value
	default:
		return fmt.Errorf("unknown key [%v]", key)
	}

	updated, err := json.Marshal(values)
	if err != nil {
		return err
	}
	_, err = c.controller.HandleMessage(gui.Message{Name: gui.GUI_MESSAGE_SAVE_SETTINGS, Payload: string(updated)})
	return err
}

// wait consumes controller events until done matches an event of the given
// operation. opId narrows the match when known.
func (c *Console) wait(op gui.Operation, opId string, done func(gui.Event) bool) (gui.Event, error) {
	for ev := range c.controller.Events() {
		if ev.Op != op || (opId != "" && ev.OpID != opId) {
			continue
		}
		if ev.Type == gui.EVENT_PROGRESS {
			c.showProgress(ev)
			continue
		}
		if !done(ev) {
			continue
		}
		c.finishProgress()
		if ev.Type == gui.EVENT_FAILED || ev.Type == gui.EVENT_CANCELLED {
			return ev, ev.Err
		}
		return ev, nil
	}
	return gui.Event{}, gui.ErrStopped
}

func (c *Console) showProgress(ev gui.Event) {
	c.barLock.Lock()
	defer c.barLock.Unlock()
	if c.progressBar == nil || c.barOp != ev.OpID {
		// -1 renders a spinner
		c.progressBar = progressbar.DefaultBytes(ev.Total, string(ev.Op))
		c.barOp = ev.OpID
	}
	c.progressBar.Set64(ev.Received)
}

func (c *Console) finishProgress() {
	c.barLock.Lock()
	defer c.barLock.Unlock()
	if c.progressBar != nil {
		c.progressBar.Finish()
		c.progressBar = nil
		c.barOp = ""
	}
}

// UpdateProgress shows local scan progress
func (c *Console) UpdateProgress(curr int, total int, message string) {
	c.barLock.Lock()
	defer c.barLock.Unlock()
	if c.scanBar == nil || curr == 1 {
		c.scanBar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("scanning"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish())
	}
	c.scanBar.ChangeMax(total)
	c.scanBar.Set(curr)
	if curr >= total {
		c.scanBar.Finish()
		c.scanBar = nil
	}
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleColoredBright)
	return t
}

func describe(err error) string {
	if remedy := db.Remedy(db.KindOf(err)); remedy != "" {
		return fmt.Sprintf("%v (%v)", err, remedy)
	}
	return err.Error()
}

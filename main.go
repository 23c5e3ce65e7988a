package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/instead-launcher/instead-launcher/db"
	"github.com/instead-launcher/instead-launcher/gui"
	"github.com/instead-launcher/instead-launcher/logger"
	"github.com/instead-launcher/instead-launcher/process"
	"github.com/instead-launcher/instead-launcher/settings"
	"go.uber.org/zap"
)

var (
	debug = flag.Bool("debug", false, "write debug output to the log and to stderr")
	watch = flag.Bool("watch", false, "rescan the games directory when it changes")
)

const WATCH_DEBOUNCE = 500 * time.Millisecond

func main() {
	flag.Usage = usage
	flag.Parse()

	workingFolder, err := settings.GetWorkingFolder()
	if err != nil {
		fmt.Printf("failed to create working folder - %v\n", err)
		os.Exit(1)
	}

	l := logger.GetSugar(workingFolder, *debug)
	l.Infof("[INSTEAD launcher %v, working folder %v]", settings.LAUNCHER_VERSION, workingFolder)

	code := run(workingFolder, l)
	logger.Defer()
	os.Exit(code)
}

func run(workingFolder string, l *zap.SugaredLogger) int {
	appSettings := settings.NewAppSettings(workingFolder, l)

	httpClient := &http.Client{Timeout: db.DEFAULT_HTTP_TIMEOUT}

	var cache db.CatalogCache
	persistentDB, err := db.NewPersistentDB(workingFolder, l)
	if err != nil {
		// another launcher holds the db, catalogs are simply not cached
		l.Warnf("catalog cache is disabled - %v", err)
	} else {
		defer persistentDB.Close()
		cache = persistentDB
	}

	controller := gui.NewController(
		l,
		appSettings,
		db.NewLocalGamesManager(l),
		db.NewCatalogClient(httpClient, cache, l),
		process.NewInstaller(process.NewDownloadClient(process.DOWNLOAD_HEADER_TIMEOUT), process.NewZipExtractor(l), "", workingFolder, l),
	)
	if *watch {
		controller.EnableWatcher(WATCH_DEBOUNCE)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	console := CreateConsole(controller, appSettings, l)
	controller.SetScanProgress(console)

	runErr := make(chan error, 1)
	go func() {
		runErr <- controller.Run(ctx)
	}()

	sigCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt)
	defer stopSignals()
	go func() {
		<-sigCtx.Done()
		if ctx.Err() != nil {
			return
		}
		l.Info("interrupted, cancelling running operations")
		if _, err := controller.HandleMessage(gui.Message{Name: gui.GUI_MESSAGE_CANCEL}); err != nil {
			l.Warnf("cancel failed - %v", err)
		}
	}()

	code := console.Start(flag.Args())

	stop()
	if err := <-runErr; err != nil {
		l.Errorf("controller stopped - %v", err)
	}
	return code
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "INSTEAD launcher %v\n\n", settings.LAUNCHER_VERSION)
	fmt.Fprintf(flag.CommandLine.Output(), "usage: instead-launcher [flags] <command>\n\n")
	fmt.Fprintf(flag.CommandLine.Output(), "commands:\n")
	fmt.Fprintf(flag.CommandLine.Output(), "  list            installed games\n")
	fmt.Fprintf(flag.CommandLine.Output(), "  available       games from the catalog that are not installed\n")
	fmt.Fprintf(flag.CommandLine.Output(), "  install <id>    download and unpack a game from the catalog\n")
	fmt.Fprintf(flag.CommandLine.Output(), "  play <id>       run an installed game\n")
	fmt.Fprintf(flag.CommandLine.Output(), "  config          show the settings\n")
	fmt.Fprintf(flag.CommandLine.Output(), "  config reset    restore and save the default settings\n\n")
	flag.PrintDefaults()
}

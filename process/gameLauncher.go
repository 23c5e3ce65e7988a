package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/instead-launcher/instead-launcher/db"
	"go.uber.org/zap"
)

var ErrInterpreterNotFound = errors.New("can't run the game, make sure that INSTEAD has been installed")

// GameLauncher runs the INSTEAD interpreter against an installed game
type GameLauncher struct {
	interpreterPath string
	logger          *zap.SugaredLogger
}

func NewGameLauncher(interpreterPath string, l *zap.SugaredLogger) *GameLauncher {
	if l == nil {
		l = zap.S()
	}
	return &GameLauncher{interpreterPath: interpreterPath, logger: l}
}

// Command builds `<interpreter> -game <id>`
func (gl *GameLauncher) Command(ctx context.Context, gameId string) (*exec.Cmd, error) {
	if gameId == "" || strings.ContainsAny(gameId, `/\`) || gameId == "." || gameId == ".." {
		return nil, fmt.Errorf("%w: [%v]", db.ErrUnknownGame, gameId)
	}
	if strings.TrimSpace(gl.interpreterPath) == "" {
		return nil, ErrInterpreterNotFound
	}
	return exec.CommandContext(ctx, gl.interpreterPath, "-game", gameId), nil
}

// Start launches the game and returns a channel that receives the exit error (nil on a clean exit).
// Cancelling ctx kills the interpreter.
func (gl *GameLauncher) Start(ctx context.Context, gameId string) (<-chan error, error) {
	cmd, err := gl.Command(ctx, gameId)
	if err != nil {
		return nil, err
	}

	gl.logger.Infof("launching %v", cmd.String())
	if err := cmd.Start(); err != nil {
		gl.logger.Errorf("creation error - %v", err)
		return nil, fmt.Errorf("%w: %v", ErrInterpreterNotFound, err)
	}
	gl.logger.Infof("successfully launched [%v], pid %v", gameId, cmd.Process.Pid)

	done := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		gl.logger.Infof("game [%v] closed", gameId)
		done <- err
	}()
	return done, nil
}

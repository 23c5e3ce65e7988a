package gui

import (
	"fmt"

	"github.com/instead-launcher/instead-launcher/db"
)

type Operation string

const (
	OP_REFRESH Operation = "refresh"
	OP_INSTALL Operation = "install"
	OP_SCAN    Operation = "scan"
	OP_PLAY    Operation = "play"
)

type EventType string

const (
	EVENT_PROGRESS        EventType = "progress"
	EVENT_COMPLETED       EventType = "completed"
	EVENT_FAILED          EventType = "failed"
	EVENT_CANCELLED       EventType = "cancelled"
	EVENT_LIBRARY_UPDATED EventType = "libraryUpdated"
	EVENT_GAME_STARTED    EventType = "gameStarted"
	EVENT_GAME_EXITED     EventType = "gameExited"
)

// Lifecycle of a long running operation: Idle -> InProgress -> Completed|Failed|Cancelled.
// A finished operation counts as idle for the purpose of starting the next one.
type State string

const (
	STATE_IDLE        State = "idle"
	STATE_IN_PROGRESS State = "inProgress"
	STATE_COMPLETED   State = "completed"
	STATE_FAILED      State = "failed"
	STATE_CANCELLED   State = "cancelled"
)

// Event sent to the UI. Progress events of one operation never decrease, the
// terminal event (completed, failed, cancelled) is sent once and last.
type Event struct {
	OpID     string    `json:"op_id"`
	Op       Operation `json:"op"`
	Type     EventType `json:"type"`
	Received int64     `json:"received,omitempty"`
	// -1 when the size is unknown
	Total   int64                    `json:"total,omitempty"`
	Err     error                    `json:"-"`
	Kind    db.ErrorKind             `json:"kind,omitempty"`
	Message string                   `json:"message,omitempty"`
	Game    db.GameRecord            `json:"game,omitempty"`
	Local   []db.GameRecord          `json:"local,omitempty"`
	Skipped map[string]db.SkippedDir `json:"skipped,omitempty"`
	Remote  []db.GameRecord          `json:"remote,omitempty"`
}

func (e Event) Terminal() bool {
	return e.Type == EVENT_COMPLETED || e.Type == EVENT_FAILED || e.Type == EVENT_CANCELLED
}

// A row of a game list
type GameView struct {
	db.Entry
	Status db.RemoteStatus `json:"status,omitempty"`
}

func progressEvent(id string, op Operation, received int64, total int64) Event {
	return Event{OpID: id, Op: op, Type: EVENT_PROGRESS, Received: received, Total: total}
}

func terminalEvent(id string, op Operation, err error) Event {
	ev := Event{OpID: id, Op: op, Type: EVENT_COMPLETED}
	if err == nil {
		return ev
	}
	ev.Err = err
	ev.Kind = db.KindOf(err)
	if ev.Kind == db.KindCancelled {
		ev.Type = EVENT_CANCELLED
		return ev
	}
	ev.Type = EVENT_FAILED
	if remedy := db.Remedy(ev.Kind); remedy != "" {
		ev.Message = fmt.Sprintf("%v (%v)", err, remedy)
	} else {
		ev.Message = err.Error()
	}
	return ev
}

func stateOf(t EventType) State {
	switch t {
	case EVENT_COMPLETED:
		return STATE_COMPLETED
	case EVENT_FAILED:
		return STATE_FAILED
	case EVENT_CANCELLED:
		return STATE_CANCELLED
	}
	return STATE_IN_PROGRESS
}

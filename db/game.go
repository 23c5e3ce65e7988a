package db

import (
	"github.com/mcuadros/go-version"
)

// A game, either installed locally or listed in the remote catalog.
// SourceUrl is only set on catalog records.
type GameRecord struct {
	Id        string `json:"id"`
	Title     string `json:"title"`
	Version   string `json:"version"`
	SourceUrl string `json:"url,omitempty"`
}

// Same game means same id and same version, the title is display only
type gameKey struct {
	id      string
	version string
}

func keyOf(g GameRecord) gameKey {
	return gameKey{id: g.Id, version: g.Version}
}

// FilterInstalled drops every remote record that has a local record with the same id and version.
func FilterInstalled(remote []GameRecord, local []GameRecord) []GameRecord {
	installed := make(map[gameKey]struct{}, len(local))
	for _, g := range local {
		installed[keyOf(g)] = struct{}{}
	}
	result := make([]GameRecord, 0, len(remote))
	for _, g := range remote {
		if _, ok := installed[keyOf(g)]; ok {
			continue
		}
		result = append(result, g)
	}
	return result
}

type RemoteStatus string

const (
	REMOTE_STATUS_NEW     RemoteStatus = "new"
	REMOTE_STATUS_UPGRADE RemoteStatus = "upgrade"
	REMOTE_STATUS_OTHER   RemoteStatus = "other version"
)

// ClassifyRemote labels a catalog record against the local inventory.
// Display only, filtering never depends on version ordering.
func ClassifyRemote(remote GameRecord, local []GameRecord) RemoteStatus {
	status := REMOTE_STATUS_NEW
	for _, l := range local {
		if l.Id != remote.Id {
			continue
		}
		if version.CompareSimple(remote.Version, l.Version) > 0 {
			return REMOTE_STATUS_UPGRADE
		}
		status = REMOTE_STATUS_OTHER
	}
	return status
}

// Where a row in a game list came from
type Origin int

const (
	ORIGIN_LOCAL Origin = iota
	ORIGIN_REMOTE
)

// Entry is what a UI row holds, so rows never need to be downcast.
type Entry struct {
	Origin Origin     `json:"origin"`
	Game   GameRecord `json:"game"`
}

func LocalEntry(g GameRecord) Entry  { return Entry{Origin: ORIGIN_LOCAL, Game: g} }
func RemoteEntry(g GameRecord) Entry { return Entry{Origin: ORIGIN_REMOTE, Game: g} }

// Find returns the record with the given id, or false
func Find(games []GameRecord, id string) (GameRecord, bool) {
	for _, g := range games {
		if g.Id == id {
			return g, true
		}
	}
	return GameRecord{}, false
}

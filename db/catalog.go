package db

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
)

const (
	CATALOG_ROOT_ELEMENT = "game_list"
	CATALOG_GAME_ELEMENT = "game"
	CATALOG_VERSION      = "1.0"
)

// ParseCatalog reads the first game_list element of an XML catalog.
// Content before and after that element is ignored. Any error discards the
// whole list, a partially parsed catalog is never returned.
func ParseCatalog(r io.Reader) ([]GameRecord, error) {
	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = charset.NewReaderLabel

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			return nil, ParseError("parse catalog", ErrNoGameList)
		}
		if err != nil {
			return nil, ParseError("parse catalog", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != CATALOG_ROOT_ELEMENT {
			continue
		}

		if v := attr(start, "version"); v != CATALOG_VERSION {
			return nil, ParseError("parse catalog", fmt.Errorf("%w [%v]", ErrUnsupportedSchema, v))
		}

		games, err := parseGameList(decoder)
		if err != nil {
			return nil, ParseError("parse catalog", err)
		}
		return games, nil
	}
}

func parseGameList(decoder *xml.Decoder) ([]GameRecord, error) {
	games := []GameRecord{}
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			return nil, errors.New("unexpected end of document inside game_list")
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != CATALOG_GAME_ELEMENT {
				if err := decoder.Skip(); err != nil {
					return nil, err
				}
				continue
			}
			game, err := parseGame(decoder)
			if err != nil {
				return nil, err
			}
			games = append(games, game)

		case xml.EndElement:
			// the decoder guarantees this is the matching game_list end tag
			return games, nil
		}
	}
}

func parseGame(decoder *xml.Decoder) (GameRecord, error) {
	game := GameRecord{}
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			return game, errors.New("unexpected end of document inside game")
		}
		if err != nil {
			return game, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			var target *string
			switch t.Name.Local {
			case "name":
				target = &game.Id
			case "title":
				target = &game.Title
			case "version":
				target = &game.Version
			case "url":
				target = &game.SourceUrl
			default:
				if err := decoder.Skip(); err != nil {
					return game, err
				}
				continue
			}
			var text string
			if err := decoder.DecodeElement(&text, &t); err != nil {
				return game, err
			}
			*target = strings.TrimSpace(text)

		case xml.EndElement:
			return game, nil
		}
	}
}

func attr(start xml.StartElement, name string) string {
	for _, a := range start.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

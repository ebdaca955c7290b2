// Package pagefeed reconstructs a page from a stream of JSON messages sent
// by a browser extension or a recorded trace. The resulting Page serves as
// the player.Document of the collector, and lifecycle messages are handed to
// the collector.
//
// Each line of the stream is one message:
//
//	{"kind":"navigate","url":"http://stash:9999/scenes/42"}
//	{"kind":"element_add","element":{"id":"v1","src":"/scene/42/stream","visible":true,"paused":true}}
//	{"kind":"media","id":"v1","event":"play","current_time":0}
//	{"kind":"visibility","hidden":true}
//	{"kind":"unload"}
package pagefeed

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// Message kinds.
const (
	KindNavigate      = "navigate"
	KindVisibility    = "visibility"
	KindUnload        = "unload"
	KindMutation      = "mutation"
	KindElementAdd    = "element_add"
	KindElementUpdate = "element_update"
	KindElementRemove = "element_remove"
	KindMedia         = "media"
	KindPlayerAdd     = "player_add"
	KindPlayerRemove  = "player_remove"
	KindPlayerSource  = "player_source"
)

const maxLineSize = 1024 * 1024

// Message is one page signal.
type Message struct {
	Kind string `json:"kind"`

	URL    string `json:"url,omitempty"`
	Hidden bool   `json:"hidden,omitempty"`

	// ID addresses an element or player.
	ID      string        `json:"id,omitempty"`
	Element *ElementState `json:"element,omitempty"`
	Player  *PlayerState  `json:"player,omitempty"`

	Event       string   `json:"event,omitempty"`
	CurrentTime *float64 `json:"current_time,omitempty"`
	Duration    *float64 `json:"duration,omitempty"`
}

// ElementState describes a media element.
type ElementState struct {
	ID          string  `json:"id"`
	Src         string  `json:"src,omitempty"`
	Visible     bool    `json:"visible,omitempty"`
	Paused      bool    `json:"paused"`
	ReadyState  int     `json:"ready_state,omitempty"`
	Played      bool    `json:"played,omitempty"`
	CurrentTime float64 `json:"current_time,omitempty"`
	Duration    float64 `json:"duration,omitempty"`
	Primary     bool    `json:"primary,omitempty"`
	SeekEvents  bool    `json:"seek_events,omitempty"`
}

// PlayerState describes a wrapped player. Element, when set, is the id of
// an element already on the page.
type PlayerState struct {
	ID      string `json:"id"`
	Primary bool   `json:"primary,omitempty"`
	Element string `json:"element,omitempty"`
}

// Read decodes newline-delimited messages from r and passes each to fn.
// Malformed lines are logged and skipped. It returns when r is exhausted.
func Read(r io.Reader, logger zerolog.Logger, fn func(Message)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn().Err(err).Int("line", line).Msg("Skipping malformed page message")
			continue
		}
		if msg.Kind == "" {
			logger.Warn().Int("line", line).Msg("Skipping page message without kind")
			continue
		}
		fn(msg)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read page feed: %w", err)
	}
	return nil
}

// Package cast decodes persisted terminal session transcripts ("cast"
// recordings, asciinema v2 style) and derives audit views from them: an
// executed-command timeline and a substring search over the raw stream.
//
// A recording is newline-delimited JSON: the first line is a header object,
// every following line one timestamped I/O event. Two historical event
// shapes are in circulation, the tuple form [time, "i"|"o", data] and the
// object form {time, type, data}; both normalize to the same Event.
package cast

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
)

// Direction tells whether an event carries user input or screen output.
type Direction string

const (
	Input  Direction = "input"
	Output Direction = "output"
)

// Header is the first line of a recording. Version, width and height are
// mandatory; a recording whose header cannot be decoded is unusable.
type Header struct {
	Version   int   `json:"version"`
	Width     int   `json:"width"`
	Height    int   `json:"height"`
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Event is one timestamped chunk of terminal I/O. Line is the 1-based line
// number in the source file, kept for diagnostics and search results.
type Event struct {
	Time float64
	Dir  Direction
	Data string
	Line int
}

// Stats reports decode quality: how many event lines were attempted and how
// many survived. Skipped lines are tolerated, never fatal.
type Stats struct {
	Attempted int
	Accepted  int
	Skipped   int
}

// Recording is a decoded transcript.
type Recording struct {
	Header Header
	Events []Event
	Stats  Stats
}

// maxLineSize bounds a single transcript line. Recordings hold raw terminal
// output, so lines can be large, but not unbounded.
const maxLineSize = 4 * 1024 * 1024

// Decode parses a cast recording. Individual malformed event lines are
// skipped and counted; only an unparseable or incomplete header aborts the
// decode. The returned recording may therefore be partial, with Stats
// telling the caller how lossy the decode was.
func Decode(r io.Reader) (*Recording, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	rec := &Recording{}
	lineNo := 0
	headerSeen := false
	lastTime := 0.0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !headerSeen {
			header, err := parseHeader(line)
			if err != nil {
				return nil, fmt.Errorf("recording header (line %d): %w", lineNo, err)
			}
			rec.Header = header
			headerSeen = true
			continue
		}

		rec.Stats.Attempted++
		event, err := parseEvent(line, lineNo)
		if err != nil {
			rec.Stats.Skipped++
			continue
		}

		if event.Time < lastTime || event.Time < 0 {
			// Tolerated anomaly: the event is kept, the player and search
			// still work, but the recorder misbehaved.
			log.Printf("cast: non-monotonic timestamp %.3f after %.3f (line %d)", event.Time, lastTime, lineNo)
		} else {
			lastTime = event.Time
		}

		rec.Events = append(rec.Events, event)
		rec.Stats.Accepted++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read recording: %w", err)
	}
	if !headerSeen {
		return nil, fmt.Errorf("recording is empty")
	}

	return rec, nil
}

// DecodeString is a convenience wrapper for in-memory transcripts.
func DecodeString(data string) (*Recording, error) {
	return Decode(strings.NewReader(data))
}

func parseHeader(line string) (Header, error) {
	var raw struct {
		Version   *int  `json:"version"`
		Width     *int  `json:"width"`
		Height    *int  `json:"height"`
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Header{}, fmt.Errorf("parse: %w", err)
	}
	if raw.Version == nil || raw.Width == nil || raw.Height == nil {
		return Header{}, fmt.Errorf("missing version/width/height")
	}
	return Header{
		Version:   *raw.Version,
		Width:     *raw.Width,
		Height:    *raw.Height,
		Timestamp: raw.Timestamp,
	}, nil
}

// parseEvent accepts both event shapes, trying the tuple form first.
func parseEvent(line string, lineNo int) (Event, error) {
	if event, err := parseTupleEvent(line, lineNo); err == nil {
		return event, nil
	}
	return parseObjectEvent(line, lineNo)
}

// parseTupleEvent decodes the asciinema v2 tuple: [time, "i"|"o", data].
func parseTupleEvent(line string, lineNo int) (Event, error) {
	var tuple []json.RawMessage
	if err := json.Unmarshal([]byte(line), &tuple); err != nil {
		return Event{}, err
	}
	if len(tuple) < 3 {
		return Event{}, fmt.Errorf("tuple has %d elements, want 3", len(tuple))
	}

	var ts float64
	if err := json.Unmarshal(tuple[0], &ts); err != nil {
		return Event{}, fmt.Errorf("tuple timestamp: %w", err)
	}
	var tag string
	if err := json.Unmarshal(tuple[1], &tag); err != nil {
		return Event{}, fmt.Errorf("tuple type: %w", err)
	}
	var data string
	if err := json.Unmarshal(tuple[2], &data); err != nil {
		return Event{}, fmt.Errorf("tuple data: %w", err)
	}

	dir, err := directionFromTag(tag)
	if err != nil {
		return Event{}, err
	}
	return Event{Time: ts, Dir: dir, Data: data, Line: lineNo}, nil
}

// parseObjectEvent decodes the object form: {time, type, data} with the
// long-form type names.
func parseObjectEvent(line string, lineNo int) (Event, error) {
	var obj struct {
		Time *float64 `json:"time"`
		Type *string  `json:"type"`
		Data *string  `json:"data"`
	}
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		return Event{}, err
	}
	if obj.Time == nil || obj.Type == nil || obj.Data == nil {
		return Event{}, fmt.Errorf("object event missing time/type/data")
	}

	var dir Direction
	switch *obj.Type {
	case "input":
		dir = Input
	case "output":
		dir = Output
	default:
		return Event{}, fmt.Errorf("unknown event type %q", *obj.Type)
	}
	return Event{Time: *obj.Time, Dir: dir, Data: *obj.Data, Line: lineNo}, nil
}

func directionFromTag(tag string) (Direction, error) {
	switch tag {
	case "i":
		return Input, nil
	case "o":
		return Output, nil
	default:
		return "", fmt.Errorf("unknown event tag %q", tag)
	}
}

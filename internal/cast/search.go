package cast

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Match is one search hit inside a recording event.
type Match struct {
	// Time is the owning event's timestamp in seconds.
	Time float64 `json:"time"`
	// Dir is the owning event's direction.
	Dir Direction `json:"direction"`
	// Line is the owning event's source line number.
	Line int `json:"line"`
	// Text is the owning event's full payload.
	Text string `json:"text"`
	// Preview is a bounded context window around the first occurrence.
	Preview string `json:"preview"`
}

// previewContext is the number of bytes kept on each side of a match.
const previewContext = 20

// Search performs a case-insensitive substring scan over every event's
// payload. Recordings are seconds-to-minutes long, so a linear scan per
// query is intentional; no index survives between calls.
func Search(events []Event, term string) []Match {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil
	}
	needle := strings.ToLower(term)

	var matches []Match
	for _, event := range events {
		haystack := strings.ToLower(event.Data)
		idx := strings.Index(haystack, needle)
		if idx < 0 {
			continue
		}

		start, end := matchBounds(event.Data, idx, len(needle))
		matches = append(matches, Match{
			Time:    event.Time,
			Dir:     event.Dir,
			Line:    event.Line,
			Text:    event.Data,
			Preview: previewWindow(event.Data, start, end),
		})
	}
	return matches
}

// matchBounds translates a match located in the lowered payload back into
// byte offsets of the original. Lowercasing can change a rune's byte
// length, so lowered offsets cannot index the original directly.
func matchBounds(data string, lowStart, needleLen int) (int, int) {
	lowEnd := lowStart + needleLen
	start, end := -1, -1
	lowOff := 0
	for i, r := range data {
		if start == -1 && lowOff >= lowStart {
			start = i
		}
		lowOff += utf8.RuneLen(unicode.ToLower(r))
		if lowOff >= lowEnd {
			end = i + utf8.RuneLen(r)
			break
		}
	}
	if start == -1 {
		start = len(data)
	}
	if end == -1 {
		end = len(data)
	}
	return start, end
}

// previewWindow widens [start, end) by previewContext bytes per side,
// snapping both edges outward to rune boundaries so the preview never
// splits a multi-byte character.
func previewWindow(data string, start, end int) string {
	s := start - previewContext
	if s < 0 {
		s = 0
	}
	for s > 0 && !utf8.RuneStart(data[s]) {
		s--
	}
	e := end + previewContext
	if e > len(data) {
		e = len(data)
	}
	for e < len(data) && !utf8.RuneStart(data[e]) {
		e++
	}
	return data[s:e]
}

package cast

import (
	"regexp"
	"strings"
)

// Command is one shell command derived from a recording's input stream.
// Derivation is a best-effort heuristic feeding a human-scanned timeline,
// not an audit of record: false negatives are expected and acceptable.
type Command struct {
	// ID is the command's sequence number within the recording.
	ID int `json:"id"`
	// Time is when the first byte of the command was typed, in seconds.
	Time float64 `json:"time"`
	// Text is the cleaned command, truncated for display.
	Text string `json:"text"`
	// FullText is the cleaned command before truncation.
	FullText string `json:"full_text"`
	// Line is the source line of the event that terminated the command.
	Line int `json:"line"`
}

// displayTruncateLen bounds Text; FullText keeps the whole command.
const displayTruncateLen = 60

var (
	controlChars = regexp.MustCompile(`[\x00-\x1f\x7f-\x9f]`)
	ansiEscapes  = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

	// commandShapes are the accepted candidate shapes: letter-initial
	// words, absolute paths, the dot navigations, and a short allow-list
	// of everyday commands. Precision over recall.
	commandShapes = []*regexp.Regexp{
		regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*`),
		regexp.MustCompile(`^/[a-zA-Z0-9_/-]+`),
		regexp.MustCompile(`^\.\.?$`),
		regexp.MustCompile(`^cd\s+`),
		regexp.MustCompile(`^ls\b`),
		regexp.MustCompile(`^pwd$`),
		regexp.MustCompile(`^docker\s+`),
		regexp.MustCompile(`^cat\s+`),
		regexp.MustCompile(`^mkdir\s+`),
		regexp.MustCompile(`^rm\s+`),
	}
)

// ExtractCommands walks the recording's input events, accumulating typed
// bytes until an event carries a carriage return or line feed, then cleans
// the accumulated buffer and keeps it if it looks like a command.
func ExtractCommands(events []Event) []Command {
	var commands []Command
	var pending strings.Builder
	startTime := 0.0

	for _, event := range events {
		if event.Dir != Input {
			continue
		}

		if strings.ContainsAny(event.Data, "\r\n") {
			if cleaned := cleanCommand(pending.String()); cleaned != "" && looksLikeCommand(cleaned) {
				commands = append(commands, Command{
					ID:       len(commands) + 1,
					Time:     startTime,
					Text:     truncateForDisplay(cleaned),
					FullText: cleaned,
					Line:     event.Line,
				})
			}
			pending.Reset()
			continue
		}

		if pending.Len() == 0 {
			startTime = event.Time
		}
		pending.WriteString(event.Data)
	}

	return commands
}

// cleanCommand strips control characters and ANSI escape sequences, then
// trims surrounding whitespace.
func cleanCommand(raw string) string {
	s := ansiEscapes.ReplaceAllString(raw, "")
	s = controlChars.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func looksLikeCommand(cleaned string) bool {
	for _, shape := range commandShapes {
		if shape.MatchString(cleaned) {
			return true
		}
	}
	return false
}

func truncateForDisplay(s string) string {
	if len(s) <= displayTruncateLen {
		return s
	}
	return s[:displayTruncateLen] + "..."
}

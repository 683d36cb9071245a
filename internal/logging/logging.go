// Package logging mirrors everything the gateway logs to a file alongside
// stdout, so the server-logs endpoint can serve history after a restart of
// the viewing console.
package logging

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hallgate/bastion/internal/config"
)

const fallbackPath = "/app/data/bastion.log"

var (
	mu      sync.Mutex
	logFile *os.File
)

func activePath() string {
	if p := config.Cfg.LogPath; p != "" {
		return p
	}
	return fallbackPath
}

// Init routes the standard logger to stdout plus the configured log file.
// Call after config.Load; a file that cannot be opened degrades to
// stdout-only with a warning rather than failing startup.
func Init() {
	path := activePath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", path, err)
		return
	}

	logFile = f
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.Printf("Logging to file: %s", path)
}

// ReadTail returns the last n lines of the log file. A log file that does
// not exist yet reads as empty.
func ReadTail(n int) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	f, err := os.Open(activePath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}

	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

// Clear truncates the log file in place, keeping the active handle valid.
func Clear() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile == nil {
		return os.Truncate(activePath(), 0)
	}
	if err := logFile.Truncate(0); err != nil {
		return fmt.Errorf("truncate log file: %w", err)
	}
	if _, err := logFile.Seek(0, 0); err != nil {
		return fmt.Errorf("seek log file: %w", err)
	}
	return nil
}

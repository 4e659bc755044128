// Package logparse tails a log file and tracks each line as a message or
// exception record.
package logparse

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/kon-rad/openclaw-pulse/internal/telemetry"
)

// Severity levels as understood by the ingestion service.
const (
	SeverityVerbose     = "Verbose"
	SeverityInformation = "Information"
	SeverityWarning     = "Warning"
	SeverityError       = "Error"
	SeverityCritical    = "Critical"
)

const maxMessageLen = 32 * 1024

type Tracker interface {
	Track(rec telemetry.Record) bool
}

type Parser struct {
	path    string
	poll    time.Duration
	tracker Tracker
}

func New(path string, poll time.Duration, tracker Tracker) *Parser {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Parser{
		path:    path,
		poll:    poll,
		tracker: tracker,
	}
}

// Run polls the file until ctx is done. A new inode or a shrinking file
// restarts reading from the beginning.
func (p *Parser) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	var offset int64
	var lastInode uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fi, err := os.Stat(p.path)
			if err != nil {
				continue
			}
			stat, ok := fi.Sys().(*syscall.Stat_t)
			if ok {
				if lastInode == 0 {
					lastInode = stat.Ino
				}
				if stat.Ino != lastInode {
					lastInode = stat.Ino
					offset = 0
				}
			}
			if fi.Size() < offset {
				offset = 0
			}
			newOffset, err := p.readFromOffset(offset)
			if err != nil {
				continue
			}
			offset = newOffset
		}
	}
}

// readFromOffset tracks every complete line after offset and returns the
// offset just past the last newline. A trailing partial line is left for the
// next poll.
func (p *Parser) readFromOffset(offset int64) (int64, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return offset, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			return offset, nil
		}
		if err != nil {
			return offset, err
		}
		offset += int64(len(line))
		if rec, ok := p.record(strings.TrimSpace(line), time.Now()); ok {
			p.tracker.Track(rec)
		}
	}
}

func (p *Parser) record(line string, now time.Time) (telemetry.Record, bool) {
	if line == "" {
		return telemetry.Record{}, false
	}
	severity := classifyLine(line)
	message := limit(line, maxMessageLen)
	props := map[string]string{"source": "log_tail", "log_path": p.path}

	var (
		kind telemetry.Kind
		body any
	)
	if severity == SeverityError || severity == SeverityCritical {
		kind = telemetry.KindException
		body = exceptionData{
			Ver:           2,
			SeverityLevel: severity,
			Properties:    props,
			Exceptions: []exceptionDetails{{
				TypeName:     exceptionType(line),
				Message:      message,
				HasFullStack: false,
			}},
		}
	} else {
		kind = telemetry.KindMessage
		body = messageData{Ver: 2, Message: message, SeverityLevel: severity, Properties: props}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return telemetry.Record{}, false
	}
	return telemetry.Record{
		Name:       "log",
		Time:       now,
		Kind:       kind,
		Properties: props,
		Data:       data,
	}, true
}

type messageData struct {
	Ver           int               `json:"ver"`
	Message       string            `json:"message"`
	SeverityLevel string            `json:"severityLevel"`
	Properties    map[string]string `json:"properties,omitempty"`
}

type exceptionData struct {
	Ver           int                `json:"ver"`
	Exceptions    []exceptionDetails `json:"exceptions"`
	SeverityLevel string             `json:"severityLevel"`
	Properties    map[string]string  `json:"properties,omitempty"`
}

type exceptionDetails struct {
	TypeName     string `json:"typeName"`
	Message      string `json:"message"`
	HasFullStack bool   `json:"hasFullStack"`
}

func classifyLine(line string) string {
	l := strings.ToLower(line)
	switch {
	case strings.Contains(l, "panic") || strings.Contains(l, "fatal") || strings.Contains(l, "critical"):
		return SeverityCritical
	case strings.Contains(l, "error") || strings.Contains(l, "exception") || strings.Contains(l, "failed"):
		return SeverityError
	case strings.Contains(l, "warn") || strings.Contains(l, "timeout"):
		return SeverityWarning
	case strings.Contains(l, "debug") || strings.Contains(l, "trace"):
		return SeverityVerbose
	default:
		return SeverityInformation
	}
}

// exceptionType picks a short type name for an error-like line.
func exceptionType(line string) string {
	l := strings.ToLower(line)
	switch {
	case strings.Contains(l, "panic"):
		return "panic"
	case strings.Contains(l, "timeout"):
		return "timeout_error"
	case strings.Contains(l, "exception"):
		return "exception"
	default:
		return "log_error"
	}
}

func limit(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

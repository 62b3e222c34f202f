// Package logger provides FumbleChain's subsystem-tagged logging, grounded
// on the teacher's logger/logger.go: one named Logger per subsystem sharing
// a common Backend, writing to stdout and to a rotated log file via
// github.com/jrick/logrotate.
//
// The teacher's backend type lives in a sibling "logs" package that was not
// part of the retrieved reference pack; its Backend/Logger split is folded
// directly into this package instead of imported, while the on-disk
// rotation dependency is kept and wired exactly as the teacher wires it.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jrick/logrotate/rotator"
	"github.com/pkg/errors"
)

// Level is a logging verbosity level.
type Level int

// Supported levels, from most to least verbose.
const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
	LevelOff
)

var levelStrings = map[Level]string{
	LevelTrace:    "TRC",
	LevelDebug:    "DBG",
	LevelInfo:     "INF",
	LevelWarn:     "WRN",
	LevelError:    "ERR",
	LevelCritical: "CRT",
	LevelOff:      "OFF",
}

// LevelFromString maps a case-insensitive level name to a Level. Unknown
// names default to LevelInfo, matching the teacher's "defaults to info if
// invalid" behavior.
func LevelFromString(s string) (Level, bool) {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace, true
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	case "critical":
		return LevelCritical, true
	case "off":
		return LevelOff, true
	default:
		return LevelInfo, false
	}
}

// SubsystemTags enumerates FumbleChain's logging subsystems.
var SubsystemTags = struct {
	Node, Chain, Peer, PeerMgr, API, Wire string
}{
	Node:    "NODE",
	Chain:   "CHN",
	Peer:    "PEER",
	PeerMgr: "PMGR",
	API:     "API",
	Wire:    "WIRE",
}

// Backend is the shared sink that every subsystem Logger writes through.
type Backend struct {
	mu         sync.Mutex
	logRotator *rotator.Rotator
	errRotator *rotator.Rotator
	toStdout   bool
}

var backend = &Backend{toStdout: true}

// loggers maps subsystem tag to its Logger, created lazily by Get.
var (
	loggersMu sync.Mutex
	loggers   = map[string]*Logger{}
)

// InitLogRotators wires the backend to write to logFile (all levels) and
// errLogFile (warn and above), rotating each at 10MB (a 10*1024 KB
// threshold) with up to 3 backups,
// exactly as the teacher's InitLogRotators does.
func InitLogRotators(logFile, errLogFile string) error {
	lr, err := newRotator(logFile)
	if err != nil {
		return err
	}
	er, err := newRotator(errLogFile)
	if err != nil {
		return err
	}
	backend.mu.Lock()
	backend.logRotator = lr
	backend.errRotator = er
	backend.mu.Unlock()
	return nil
}

func newRotator(logFile string) (*rotator.Rotator, error) {
	logDir, _ := filepath.Split(logFile)
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0700); err != nil {
			return nil, errors.Wrap(err, "creating log directory")
		}
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return nil, errors.Wrap(err, "creating log rotator")
	}
	return r, nil
}

// Logger is a single subsystem's logging handle.
type Logger struct {
	subsystem string
	level     Level
}

// Get returns the Logger for the given subsystem tag, creating it at
// LevelInfo if this is the first call for that tag.
func Get(subsystemTag string) (*Logger, error) {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[subsystemTag]; ok {
		return l, nil
	}
	l := &Logger{subsystem: subsystemTag, level: LevelInfo}
	loggers[subsystemTag] = l
	return l, nil
}

// SetLevel sets this logger's minimum level.
func (l *Logger) SetLevel(level Level) {
	l.level = level
}

func (l *Logger) write(level Level, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	line := fmt.Sprintf("%s [%s] %s: %s\n",
		time.Now().UTC().Format("2006-01-02 15:04:05.000"),
		levelStrings[level], l.subsystem, fmt.Sprintf(format, args...))

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.toStdout {
		os.Stdout.WriteString(line)
	}
	if backend.logRotator != nil {
		backend.logRotator.Write([]byte(line))
	}
	if level >= LevelWarn && backend.errRotator != nil {
		backend.errRotator.Write([]byte(line))
	}
}

func (l *Logger) Tracef(format string, args ...interface{})    { l.write(LevelTrace, format, args...) }
func (l *Logger) Debugf(format string, args ...interface{})    { l.write(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})     { l.write(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})     { l.write(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{})    { l.write(LevelError, format, args...) }
func (l *Logger) Criticalf(format string, args ...interface{}) { l.write(LevelCritical, format, args...) }

// SetLogLevel sets the logging level for the named subsystem. Unknown
// subsystems are ignored.
func SetLogLevel(subsystemTag, levelName string) {
	loggersMu.Lock()
	l, ok := loggers[subsystemTag]
	loggersMu.Unlock()
	if !ok {
		return
	}
	level, _ := LevelFromString(levelName)
	l.SetLevel(level)
}

// SetLogLevels sets levelName on every currently-registered subsystem.
func SetLogLevels(levelName string) {
	loggersMu.Lock()
	tags := make([]string, 0, len(loggers))
	for tag := range loggers {
		tags = append(tags, tag)
	}
	loggersMu.Unlock()
	sort.Strings(tags)
	for _, tag := range tags {
		SetLogLevel(tag, levelName)
	}
}

// Package build owns logging setup for every subsystem in collectx.
// Each package asks for its own logger through AddSubLogger, and the
// log level and output directory of all of them can be tuned at runtime.
package build

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type tunableLogger interface {
	setLevel(level logrus.Level)
	setDir(dir string) error
}

type hook struct {
	console     *consoleLogHook
	jsonFile    *jsonFileHook
	regularFile *humanReadableFileHook
}

var _ tunableLogger = &hook{}

func (h *hook) setDir(dir string) error {
	jsonFile, err := openFileForAppend(filepath.Join(dir, "collectx.log.json"))
	if err != nil {
		return fmt.Errorf("could not open JSON log file: %w", err)
	}
	h.jsonFile.file = jsonFile

	regularFile, err := openFileForAppend(filepath.Join(dir, "collectx.log"))
	if err != nil {
		return fmt.Errorf("could not open regular log file: %w", err)
	}
	h.regularFile.file = regularFile
	return nil
}

func (h *hook) setLevel(level logrus.Level) {
	h.console.setLevel(level)
	h.jsonFile.setLevel(level)
	h.regularFile.setLevel(level)
}

var logConfigLock sync.Mutex
var subsystemHooks = map[string]tunableLogger{}

// SetLogLevel sets the log level for a single subsystem
func SetLogLevel(subsystem string, level logrus.Level) {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	hook, ok := subsystemHooks[subsystem]
	if !ok {
		return
	}
	hook.setLevel(level)
}

// SetLogLevels sets the log level for all registered subsystems
func SetLogLevels(level logrus.Level) {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	for _, hook := range subsystemHooks {
		hook.setLevel(level)
	}
}

// AddSubLogger creates a new logger with a standard format
func AddSubLogger(subsystem string) *logrus.Logger {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	logger := logrus.New()
	logger.SetOutput(io.Discard) // all output happens through the hooks

	jsonHook := &jsonFileHook{
		subsystem: subsystem,
	}
	fileHook := &humanReadableFileHook{
		subsystem: subsystem,
	}
	consoleHook := &consoleLogHook{
		subsystem: subsystem,
	}
	logger.AddHook(jsonHook)
	logger.AddHook(fileHook)
	logger.AddHook(consoleHook)
	trio := &hook{
		console:     consoleHook,
		jsonFile:    jsonHook,
		regularFile: fileHook,
	}
	subsystemHooks[subsystem] = trio

	return logger
}

func openFileForAppend(file string) (*os.File, error) {
	return os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
}

// SetLogDir sets logrus to write to the given directory
func SetLogDir(dir string) error {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	for _, hook := range subsystemHooks {
		if err := hook.setDir(dir); err != nil {
			return err
		}
	}
	return nil
}

// ToLogLevel takes in a string and converts it to a Logrus log level
func ToLogLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return logrus.TraceLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	case "fatal":
		return logrus.FatalLevel, nil
	case "panic":
		return logrus.FatalLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("%s is not a valid log level", s)
	}
}

type consoleLogHook struct {
	hasLevel
	subsystem string
}

var _ logrus.Hook = &consoleLogHook{}
var consoleFormat = logrus.TextFormatter{
	TimestampFormat: "15:04:05",
	ForceColors:     true,
	FullTimestamp:   true,
}

func (c *consoleLogHook) Fire(entry *logrus.Entry) error {
	if c.level < entry.Level {
		return nil
	}
	if entry == nil {
		return nil
	}

	// append subsystem to log message
	copied := *entry
	copied.Message = fmt.Sprintf("%s %s", c.subsystem, entry.Message)

	formatted, err := consoleFormat.Format(&copied)
	if err != nil {
		return err
	}

	_, err = os.Stdout.Write(formatted)
	return err
}

type humanReadableFileHook struct {
	hasLevel
	file      *os.File
	subsystem string
}

var _ logrus.Hook = &humanReadableFileHook{}
var fileHookFormat = logrus.TextFormatter{
	// see comment below on coloring and formatting
	ForceColors:     true,
	TimestampFormat: time.RFC3339,
	FullTimestamp:   true,
}

const ansi = "[][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))"

var ansiRegex = regexp.MustCompile(ansi)

func (h humanReadableFileHook) Fire(entry *logrus.Entry) error {
	// don't write anything if file isn't set
	if h.file == nil {
		return nil
	}

	if h.level < entry.Level {
		return nil
	}

	if entry == nil {
		return nil
	}

	// append subsystem to log message
	copied := *entry
	copied.Message = fmt.Sprintf("%s %s", h.subsystem, entry.Message)
	formatted, err := fileHookFormat.Format(&copied)
	if err != nil {
		return err
	}

	// whether or not you log with color affects the default output of
	// logrus. we want the formats written to file and console to be more
	// or less identical, so we log _with_ color and strip the ANSI codes
	// afterwards
	stripped := ansiRegex.ReplaceAll(formatted, nil)
	_, err = h.file.Write(stripped)
	return err
}

type jsonFileHook struct {
	hasLevel
	file      *os.File
	subsystem string
}

var _ logrus.Hook = &jsonFileHook{}
var jsonHookFormat = logrus.JSONFormatter{
	TimestampFormat: time.RFC3339,
}

func (j jsonFileHook) Fire(entry *logrus.Entry) error {
	// don't write anything if file isn't set
	if j.file == nil {
		return nil
	}

	if j.level < entry.Level {
		return nil
	}
	if entry == nil {
		return nil
	}

	// we want to add a field to the entry without modifying the
	// underlying entry map, which is shared with the other hooks.
	// `WithField` doesn't copy over everything, so message and level
	// are copied manually
	withSubsystem := entry.WithField("subsystem", j.subsystem)
	withSubsystem.Message = entry.Message
	withSubsystem.Level = entry.Level
	formatted, err := jsonHookFormat.Format(withSubsystem)
	if err != nil {
		return err
	}

	_, err = j.file.Write(formatted)
	return err
}

type hasLevel struct {
	level logrus.Level
}

// Levels is here to satisfy the logrus.Hook interface, the actual level
// filtering happens inside each Fire method
func (h *hasLevel) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *hasLevel) setLevel(level logrus.Level) {
	h.level = level
}

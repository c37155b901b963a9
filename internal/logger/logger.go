// Package logger provides the structured loggers of the application subsystems.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Subsystem names a separately levelled logger.
type Subsystem string

const (
	// Crunch is the application subsystem.
	Crunch Subsystem = "crunch"
	// RPC is the chain node client subsystem.
	RPC Subsystem = "rpc"
)

var (
	mu      sync.RWMutex
	loggers = map[Subsystem]*logrus.Logger{
		Crunch: newLogger(logrus.InfoLevel, os.Stderr),
		RPC:    newLogger(logrus.ErrorLevel, os.Stderr),
	}
)

// newLogger makes a text logger with caller information.
func newLogger(level logrus.Level, out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(level)
	l.SetReportCaller(true)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
		},
	})
	return l
}

// Init configures all subsystems.
// In debug mode both subsystems log at debug level, otherwise the application
// logs at info level and the RPC client reports errors only.
// Output is "stdout", "stderr" or a file path; files are rotated when maxAge is positive.
// On error the loggers keep writing to stderr.
func Init(debug bool, output string, maxAge int) error {
	levels := map[Subsystem]logrus.Level{Crunch: logrus.InfoLevel, RPC: logrus.ErrorLevel}
	if debug {
		levels = map[Subsystem]logrus.Level{Crunch: logrus.DebugLevel, RPC: logrus.DebugLevel}
	}

	out, err := writer(output, maxAge)

	mu.Lock()
	defer mu.Unlock()
	for name, lvl := range levels {
		loggers[name].SetLevel(lvl)
		if err == nil {
			loggers[name].SetOutput(out)
		}
	}
	return err
}

// writer resolves the log output target.
func writer(output string, maxAge int) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}

	if maxAge > 0 {
		return &lumberjack.Logger{
			Filename: output,
			MaxAge:   maxAge,
			MaxSize:  100,
			Compress: true,
		}, nil
	}

	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("can not open log file %s; %w", output, err)
	}
	return f, nil
}

// For provides the logger of the given subsystem.
func For(s Subsystem) *logrus.Entry {
	mu.RLock()
	defer mu.RUnlock()

	l, ok := loggers[s]
	if !ok {
		l = loggers[Crunch]
	}
	return logrus.NewEntry(l).WithField("subsystem", string(s))
}

// Component provides the application logger tagged with a component name.
func Component(name string) *logrus.Entry {
	return For(Crunch).WithField("component", name)
}

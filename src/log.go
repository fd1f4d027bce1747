package acomms

/*------------------------------------------------------------------
 *
 * Purpose:	Logging.
 *
 * Description:	Diagnostics go through a charmbracelet logger that is
 *		handed to each component.
 *
 *		Separately, every sentence to and from the modem can be
 *		saved to a file for later analysis.  The file name is a
 *		strftime pattern evaluated in UTC.  If the pattern
 *		includes the date, a new file is started when the date
 *		changes, like the daily names of a station log.
 *
 *------------------------------------------------------------------*/

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
)

const DefaultNMEALogPattern = "acomms_%Y%m%d.log"

func NewLogger(w io.Writer, level string, prefix string) (*log.Logger, error) {
	var lvl = log.InfoLevel
	if level != "" {
		var parsed, err = log.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
		lvl = parsed
	}

	return log.NewWithOptions(w, log.Options{ //nolint:exhaustruct
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Prefix:          prefix,
		Level:           lvl,
	}), nil
}

func discardLogger() *log.Logger {
	return log.New(io.Discard)
}

type NMEALog struct {
	mu       sync.Mutex
	dir      string
	pattern  *strftime.Strftime
	fp       *os.File
	openName string
	now      func() time.Time
	logger   *log.Logger
}

/*------------------------------------------------------------------
 *
 * Function:	NewNMEALog
 *
 * Inputs:	dir	- Directory for the files.  Created if needed.
 *
 *		pattern	- strftime pattern for the file name.
 *			  Empty means DefaultNMEALogPattern.
 *
 *------------------------------------------------------------------*/

func NewNMEALog(dir string, pattern string, logger *log.Logger) (*NMEALog, error) {
	if pattern == "" {
		pattern = DefaultNMEALogPattern
	}

	var p, err = strftime.New(pattern)
	if err != nil {
		return nil, fmt.Errorf("nmea log file pattern %q: %w", pattern, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec
		return nil, fmt.Errorf("nmea log directory: %w", err)
	}

	if logger == nil {
		logger = discardLogger()
	}

	return &NMEALog{ //nolint:exhaustruct
		dir:     dir,
		pattern: p,
		now:     time.Now,
		logger:  logger,
	}, nil
}

// Record saves one sentence.  direction is "in" or "out".
func (l *NMEALog) Record(direction string, line string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var now = l.now().UTC()
	var fname = l.pattern.FormatString(now)

	if l.fp != nil && fname != l.openName {
		if err := l.closeLocked(); err != nil {
			l.logger.Warn("closing nmea log", "file", l.openName, "err", err)
		}
	}

	if l.fp == nil {
		var full = filepath.Join(l.dir, fname)

		var f, err = os.OpenFile(full, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644) //nolint:gosec
		if err != nil {
			l.logger.Error("can't open nmea log", "file", full, "err", err)
			return
		}

		l.logger.Info("opening nmea log", "file", full)
		l.fp = f
		l.openName = fname
	}

	fmt.Fprintf(l.fp, "%s\t%s\t%s\n", now.Format(time.RFC3339Nano), direction, strings.TrimRight(line, "\r\n"))
}

// Path of the file currently open, or "".
func (l *NMEALog) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fp == nil {
		return ""
	}

	return filepath.Join(l.dir, l.openName)
}

func (l *NMEALog) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.closeLocked()
}

func (l *NMEALog) closeLocked() error {
	if l.fp == nil {
		return nil
	}

	var err = l.fp.Close()
	l.fp = nil
	l.openName = ""

	return err
}

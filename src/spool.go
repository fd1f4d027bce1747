package acomms

/*------------------------------------------------------------------
 *
 * Purpose:	Send files as they appear in a directory.
 *
 * Description:	Files dropped into the spool directory are sent one at a
 *		time in bulk header mode.  Afterwards each is moved to
 *		sent/ or failed/ under the spool directory.
 *
 *		Names starting with "." are ignored so a file can be
 *		written under a temporary name and renamed when complete.
 *		A file is only picked up once nothing has been written to
 *		it for the settle time.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const DefaultSpoolSettle = 2 * time.Second

type Spool struct {
	Dir      string
	Transfer *Transfer
	Settle   time.Duration
	Logger   *log.Logger

	// Called after each file, mostly for tests.
	OnDone func(path string, res *Result)

	mu      sync.Mutex
	pending map[string]time.Time
}

func NewSpool(dir string, t *Transfer, logger *log.Logger) (*Spool, error) {
	for _, sub := range []string{"sent", "failed"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil { //nolint:gosec
			return nil, fmt.Errorf("spool directory: %w", err)
		}
	}

	if logger == nil {
		logger = discardLogger()
	}

	return &Spool{ //nolint:exhaustruct
		Dir:      dir,
		Transfer: t,
		Settle:   DefaultSpoolSettle,
		Logger:   logger.With("spool", dir),
		pending:  make(map[string]time.Time),
	}, nil
}

func (s *Spool) consider(path string) {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}

	var info, err = os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	s.mu.Lock()
	s.pending[path] = time.Now()
	s.mu.Unlock()
}

// ready returns files that have been quiet for the settle time, oldest first.
func (s *Spool) ready() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cutoff = time.Now().Add(-s.Settle)
	var out []string

	for path, seen := range s.pending {
		if seen.Before(cutoff) {
			out = append(out, path)
			delete(s.pending, path)
		}
	}

	sort.Strings(out)

	return out
}

/*-------------------------------------------------------------------
 *
 * Name:	Run
 *
 * Purpose:	Watch the spool directory and send what turns up.
 *
 * Description:	Files already there when we start are sent too.
 *
 *--------------------------------------------------------------------*/

func (s *Spool) Run(ctx context.Context) error {
	var watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close() //nolint:errcheck

	if err := watcher.Add(s.Dir); err != nil {
		return fmt.Errorf("watching %s: %w", s.Dir, err)
	}

	var entries, readErr = os.ReadDir(s.Dir)
	if readErr != nil {
		return fmt.Errorf("reading %s: %w", s.Dir, readErr)
	}
	for _, e := range entries {
		s.consider(filepath.Join(s.Dir, e.Name()))
	}

	s.Logger.Info("watching for files")

	var tick = time.NewTicker(max(s.Settle/4, 10*time.Millisecond))
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				s.consider(event.Name)
			}

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.Logger.Warn("watcher error", "err", werr)

		case <-tick.C:
			for _, path := range s.ready() {
				if err := s.sendOne(ctx, path); err != nil {
					return err
				}
			}
		}
	}
}

func (s *Spool) sendOne(ctx context.Context, path string) error {
	s.Logger.Info("sending", "file", path)

	var res, err = s.Transfer.SendFile(ctx, path)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var sub = "failed"
	if err != nil {
		s.Logger.Error("can't send", "file", path, "err", err)
	} else if res.Outcome == Success {
		sub = "sent"
	}

	if err == nil {
		s.Logger.Info("transfer finished", "file", path, "outcome", res.Outcome, "bytes", res.Bytes, "errors", res.Errors)
	}

	var dest = filepath.Join(s.Dir, sub, filepath.Base(path))
	if renameErr := os.Rename(path, dest); renameErr != nil {
		s.Logger.Error("can't move file", "file", path, "to", dest, "err", renameErr)
	}

	if s.OnDone != nil {
		s.OnDone(dest, res)
	}

	return nil
}

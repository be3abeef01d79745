package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// LoadPhraseList reads a newline-delimited phrase file. Blank lines and
// lines starting with # are skipped.
func LoadPhraseList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open phrase list: %w", err)
	}
	defer f.Close()

	var phrases []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		phrases = append(phrases, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read phrase list: %w", err)
	}
	return phrases, nil
}

// PhraseWatcher hot-reloads a phrase list file. Editors often replace files
// by rename, so the watch is on the parent directory and events are filtered
// by name.
type PhraseWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// WatchPhraseList loads path and invokes onChange with the initial list and
// again on every change. Call Close to stop watching.
func WatchPhraseList(path string, logger zerolog.Logger, onChange func([]string)) (*PhraseWatcher, error) {
	phrases, err := LoadPhraseList(path)
	if err != nil {
		return nil, err
	}
	onChange(phrases)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch phrase list dir: %w", err)
	}

	pw := &PhraseWatcher{
		path:    path,
		watcher: watcher,
		logger:  logger.With().Str("component", "config").Logger(),
	}
	go pw.run(onChange)
	return pw, nil
}

func (pw *PhraseWatcher) run(onChange func([]string)) {
	base := filepath.Base(pw.path)
	for {
		select {
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			phrases, err := LoadPhraseList(pw.path)
			if err != nil {
				pw.logger.Warn().Err(err).Msg("phrase list reload failed, keeping previous list")
				continue
			}
			pw.logger.Info().Int("phrases", len(phrases)).Msg("phrase list reloaded")
			onChange(phrases)

		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.logger.Warn().Err(err).Msg("phrase list watcher error")
		}
	}
}

// Close stops watching. Safe to call more than once.
func (pw *PhraseWatcher) Close() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.closed {
		return nil
	}
	pw.closed = true
	return pw.watcher.Close()
}

package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"eeg-pipeline/config"
	"eeg-pipeline/dataset"
	"eeg-pipeline/manifest"
	"eeg-pipeline/pipeline"
)

const (
	// debounceDelay coalesces the event burst a copying file emits.
	debounceDelay = 2 * time.Second
	// stablePolls x stableInterval of unchanged size means the writer
	// is done with the file.
	stablePolls    = 3
	stableInterval = time.Second
)

// intakeWatcher processes manifest-listed recordings as they arrive in
// the intake directory. Files are matched by base name against the
// manifest; unknown arrivals are ignored. Each stable arrival runs as
// a one-file batch, so the per-file atomicity and resume guarantees
// carry over unchanged.
type intakeWatcher struct {
	cfg    *config.Config
	store  dataset.Store
	byName map[string]manifest.Entry

	mu     sync.Mutex
	timers map[string]*time.Timer

	// runMu keeps arrivals from committing to the store concurrently
	runMu sync.Mutex
}

func watchCmd(configPath, manifestPath, intakeDir string) {
	cfg, store := setup(configPath)
	defer store.Close()

	entries, err := manifest.Load(manifestPath)
	if err != nil {
		log.Fatalf("manifest error: %v", err)
	}

	iw := &intakeWatcher{
		cfg:    cfg,
		store:  store,
		byName: make(map[string]manifest.Entry, len(entries)),
		timers: make(map[string]*time.Timer),
	}
	for _, e := range entries {
		iw.byName[filepath.Base(e.File)] = e
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Fatalf("failed to create watcher: %v", err)
	}
	defer watcher.Close()
	if err := watcher.Add(intakeDir); err != nil {
		log.Fatalf("failed to watch %s: %v", intakeDir, err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	log.Printf("[watch] watching %s for %d manifest files", intakeDir, len(entries))

	// pick up files already sitting in the intake dir
	if existing, err := os.ReadDir(intakeDir); err == nil {
		for _, f := range existing {
			if f.IsDir() {
				continue
			}
			if _, known := iw.byName[f.Name()]; known {
				iw.schedule(ctx, filepath.Join(intakeDir, f.Name()))
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("[watch] shutting down")
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if _, known := iw.byName[filepath.Base(event.Name)]; !known {
				continue
			}
			iw.schedule(ctx, event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[watch] watcher error: %v", err)
		}
	}
}

// schedule (re)arms the debounce timer for one path; when it fires the
// file is waited stable and processed.
func (iw *intakeWatcher) schedule(ctx context.Context, path string) {
	iw.mu.Lock()
	defer iw.mu.Unlock()

	if t, ok := iw.timers[path]; ok {
		t.Reset(debounceDelay)
		return
	}
	iw.timers[path] = time.AfterFunc(debounceDelay, func() {
		iw.mu.Lock()
		delete(iw.timers, path)
		iw.mu.Unlock()

		if !waitStable(ctx, path) {
			log.Printf("[watch] %s never stabilized, skipping", path)
			return
		}

		entry := iw.byName[filepath.Base(path)]
		entry.File = path // process the arrived copy

		iw.runMu.Lock()
		defer iw.runMu.Unlock()
		run := pipeline.NewRun(iw.cfg, iw.store)
		report := run.Process(ctx, []manifest.Entry{entry})
		log.Printf("[watch] %s: %s", path, pipeline.Summary(report))
	})
}

// waitStable polls the file size until it stops changing.
func waitStable(ctx context.Context, path string) bool {
	var lastSize int64 = -1
	stable := 0
	for stable < stablePolls {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(stableInterval):
		}
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		if info.Size() == lastSize {
			stable++
		} else {
			stable = 0
			lastSize = info.Size()
		}
	}
	return true
}

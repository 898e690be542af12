// Package pipeline drives the batch: a bounded worker pool runs the
// per-file stages (verify, decode, montage, preprocess, segment,
// block), and a single writer goroutine owns all dataset mutation,
// committing each file's block batches as a unit. One file's failure
// never aborts the batch; it becomes a per-file status in the run
// report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"

	"eeg-pipeline/block"
	"eeg-pipeline/config"
	"eeg-pipeline/dataset"
	"eeg-pipeline/edf"
	"eeg-pipeline/manifest"
	"eeg-pipeline/models"
	"eeg-pipeline/montage"
	"eeg-pipeline/preprocess"
	"eeg-pipeline/segment"
	"eeg-pipeline/utils"
)

// Run carries everything one batch needs: identity, configuration,
// and the opened store. Checkpoint state (the ingested-source ledger)
// lives in the dataset targets, not here.
type Run struct {
	ID    string
	Cfg   *config.Config
	Store dataset.Store

	// Log records failures with stack traces; progress lines stay on
	// the plain [stage] logger.
	Log *slog.Logger
}

// NewRun stamps a fresh run identity onto the configuration and store.
func NewRun(cfg *config.Config, store dataset.Store) *Run {
	id := uuid.NewString()
	return &Run{
		ID:    id,
		Cfg:   cfg,
		Store: store,
		Log:   utils.NewLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format).With("run", id),
	}
}

// fileWork is one completed per-file pipeline pass handed to the
// writer goroutine: the batches to commit plus the partially filled
// result.
type fileWork struct {
	batches []dataset.Batch
	result  models.FileResult
}

// Process runs the batch over the manifest entries and returns the run
// report. Cancellation is honored between files and before each
// commit; an interrupted file is reported as failed storage so a
// resumed run picks it up again.
func (r *Run) Process(ctx context.Context, entries []manifest.Entry) *Report {
	report := &Report{RunID: r.ID, StartedAt: time.Now().UTC()}

	if max := r.Cfg.Runtime.MaxFiles; max > 0 && len(entries) > max {
		log.Printf("[batch] limiting run to %d of %d files", max, len(entries))
		entries = entries[:max]
	}
	if len(entries) == 0 {
		report.FinishedAt = time.Now().UTC()
		return report
	}

	workers := r.Cfg.Runtime.Workers
	if workers <= 0 {
		workers = runtime.NumCPU() / 2
	}
	if workers > len(entries) {
		workers = len(entries)
	}
	if workers < 1 {
		workers = 1
	}
	log.Printf("[batch] run %s: %d files across %d workers", r.ID, len(entries), workers)

	jobs := make(chan manifest.Entry, len(entries))
	completed := make(chan fileWork, workers)
	results := make(chan models.FileResult, len(entries))

	for w := 0; w < workers; w++ {
		go func() {
			for entry := range jobs {
				if ctx.Err() != nil {
					results <- models.FileResult{
						Path: entry.File, Patient: entry.PatientID, Diagnosis: entry.Diagnosis,
						Status: models.StatusFailed, Kind: models.FailInterrupted,
						Error: "run interrupted before processing",
					}
					continue
				}
				completed <- r.processFile(entry)
			}
		}()
	}

	// sole owner of the store: commits are serialized here
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for work := range completed {
			results <- r.commitFile(ctx, work)
		}
	}()

	for _, entry := range entries {
		jobs <- entry
	}
	close(jobs)

	for i := 0; i < len(entries); i++ {
		report.add(<-results)
	}
	close(completed)
	<-writerDone

	report.FinishedAt = time.Now().UTC()
	sort.Slice(report.Results, func(a, b int) bool {
		return report.Results[a].Path < report.Results[b].Path
	})
	return report
}

// processFile runs the per-file stages up to block generation. It
// never touches the store.
func (r *Run) processFile(entry manifest.Entry) fileWork {
	start := time.Now()
	result := models.FileResult{
		Path:      entry.File,
		Patient:   entry.PatientID,
		Diagnosis: entry.Diagnosis,
	}
	fail := func(kind models.FailureKind, err error) fileWork {
		result.Status = models.StatusFailed
		result.Kind = kind
		result.Error = err.Error()
		result.Elapsed = time.Since(start)
		result.ElapsedMs = result.Elapsed.Milliseconds()
		r.Log.Error("file failed", "path", entry.File, "stage", string(kind), utils.ErrAttr(err))
		return fileWork{result: result}
	}

	digest, err := entry.Verify(utils.FileSHA256)
	if err != nil {
		return fail(models.FailIntegrity, err)
	}

	rec, err := edf.Load(entry.File)
	if err != nil {
		return fail(models.FailDecode, err)
	}
	rec.Source.SHA256 = digest
	rec.Patient.ID = entry.PatientID
	log.Printf("[file] %s: %d channels, %.0fs at %g Hz, %d annotations",
		entry.File, len(rec.Channels), rec.Duration(), rec.SampleRate, len(rec.Annotations))

	layout, channels, err := montage.Resolve(rec.Channels)
	if err != nil {
		return fail(models.FailMontage, err)
	}
	rec.Channels = channels
	log.Printf("[file] %s: montage %s", entry.File, layout)

	conditioned, warnings, err := preprocess.Run(rec, r.Cfg.PreprocessConfig())
	if err != nil {
		var short *preprocess.InsufficientDurationError
		if errors.As(err, &short) {
			return fail(models.FailDuration, err)
		}
		return fail(models.FailProcessing, err)
	}
	result.Warnings = append(result.Warnings, warnings...)

	segments, segWarnings, err := segment.Run(conditioned, r.Cfg.SegmentConfig())
	if err != nil {
		return fail(models.FailProcessing, err)
	}
	result.Warnings = append(result.Warnings, segWarnings...)
	if len(segments) == 0 {
		result.Warnings = append(result.Warnings, "no segments long enough to keep")
	}

	channelNames := make([]string, len(conditioned.Channels))
	for i, ch := range conditioned.Channels {
		channelNames[i] = ch.Site
	}
	blockCfg := r.Cfg.BlockConfig()
	attrs := func(label string) models.TargetAttrs {
		return models.TargetAttrs{
			SamplingRate: conditioned.SampleRate,
			ChannelNames: channelNames,
			BlockSamples: blockCfg.Samples(conditioned.SampleRate),
			Diagnosis:    entry.Diagnosis,
			Label:        label,
		}
	}

	// one batch per (diagnosis, label) pair; segment order preserves
	// block order within the file's contribution
	byKey := make(map[models.TargetKey]*dataset.Batch)
	var keyOrder []models.TargetKey
	for _, seg := range segments {
		blocks := block.Generate(conditioned, seg, blockCfg)
		if len(blocks) == 0 {
			continue
		}
		key := models.TargetKey{Diagnosis: entry.Diagnosis, Label: seg.Label}
		b, ok := byKey[key]
		if !ok {
			b = &dataset.Batch{
				Key:     key,
				Attrs:   attrs(seg.Label),
				Patient: conditioned.Patient,
				Source:  conditioned.Source,
			}
			byKey[key] = b
			keyOrder = append(keyOrder, key)
		}
		for _, blk := range blocks {
			blk.Index = len(b.Blocks)
			b.Blocks = append(b.Blocks, blk)
			result.Blocks++
		}
	}

	work := fileWork{result: result}
	for _, key := range keyOrder {
		work.batches = append(work.batches, *byKey[key])
	}
	work.result.Elapsed = time.Since(start)
	work.result.ElapsedMs = work.result.Elapsed.Milliseconds()
	return work
}

// commitFile writes one file's batches. Statuses: all targets already
// present -> skipped; any commit error -> failed with the whole file's
// contribution excluded; otherwise ok.
func (r *Run) commitFile(ctx context.Context, work fileWork) models.FileResult {
	result := work.result
	if result.Status == models.StatusFailed {
		return result
	}
	if len(work.batches) == 0 {
		result.Status = models.StatusOK
		log.Printf("[commit] %s: nothing to commit", result.Path)
		return result
	}

	committed := 0
	for _, batch := range work.batches {
		if err := ctx.Err(); err != nil {
			result.Status = models.StatusFailed
			result.Kind = models.FailInterrupted
			result.Error = "run interrupted before commit"
			return result
		}

		status, err := r.Store.Commit(ctx, batch)
		if err != nil {
			var shape *dataset.ShapeMismatchError
			kind := models.FailStorage
			if errors.As(err, &shape) {
				kind = models.FailShape
			}
			result.Status = models.StatusFailed
			result.Kind = kind
			result.Error = err.Error()
			result.Targets = nil
			r.Log.Error("commit rejected", "path", result.Path, "target", batch.Key.String(), utils.ErrAttr(err))
			return result
		}

		result.Targets = append(result.Targets, batch.Key.String())
		if status != dataset.AlreadyPresent {
			committed++
		}
		log.Printf("[commit] %s -> %s: %d blocks %s", result.Path, batch.Key, len(batch.Blocks), status)
	}

	if committed == 0 {
		result.Status = models.StatusSkipped
	} else {
		result.Status = models.StatusOK
	}
	return result
}

// Summary formats the aggregate counts line.
func Summary(report *Report) string {
	return fmt.Sprintf("processed %d files: %d committed, %d already present, %d failed",
		len(report.Results), report.Processed, report.Skipped, report.Failed)
}

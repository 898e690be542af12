package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/montanaflynn/stats"

	"eeg-pipeline/config"
	"eeg-pipeline/dataset"
	"eeg-pipeline/manifest"
	"eeg-pipeline/models"
	"eeg-pipeline/pipeline"
	"eeg-pipeline/utils"
)

// setup loads and validates the configuration and opens the store.
// Any error here is fatal: the run must not begin on a bad config.
func setup(configPath string) (*config.Config, dataset.Store) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	store, err := dataset.NewStore(cfg.DatasetConfig())
	if err != nil {
		log.Fatalf("failed to open dataset store: %v", err)
	}
	return cfg, store
}

// signalContext cancels on SIGINT/SIGTERM so an interrupted batch
// stops at the next file boundary.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func processCmd(configPath, manifestPath, reportPath string) {
	cfg, store := setup(configPath)
	defer store.Close()

	entries, err := manifest.Load(manifestPath)
	if err != nil {
		log.Fatalf("manifest error: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	runBatch(ctx, cfg, store, entries, reportPath)
}

func retryCmd(configPath, manifestPath, previousReport, reportPath string) {
	cfg, store := setup(configPath)
	defer store.Close()

	entries, err := manifest.Load(manifestPath)
	if err != nil {
		log.Fatalf("manifest error: %v", err)
	}
	failed, err := pipeline.FailedPaths(previousReport)
	if err != nil {
		log.Fatalf("report error: %v", err)
	}

	wanted := make(map[string]bool, len(failed))
	for _, p := range failed {
		wanted[p] = true
	}
	var retry []manifest.Entry
	for _, e := range entries {
		if wanted[e.File] {
			retry = append(retry, e)
		}
	}
	if len(retry) == 0 {
		fmt.Println("nothing to retry")
		return
	}
	log.Printf("[retry] re-running %d of %d failed files found in the manifest", len(retry), len(failed))

	ctx, cancel := signalContext()
	defer cancel()

	runBatch(ctx, cfg, store, retry, reportPath)
}

// runBatch executes the pipeline over the entries, writes the report,
// and prints the operator summary.
func runBatch(ctx context.Context, cfg *config.Config, store dataset.Store, entries []manifest.Entry, reportPath string) {
	run := pipeline.NewRun(cfg, store)
	report := run.Process(ctx, entries)

	if reportPath != "" {
		if err := pipeline.WriteReport(reportPath, report); err != nil {
			log.Printf("[batch] %v", err)
		} else {
			log.Printf("[batch] report written to %s", reportPath)
		}
	}

	printSummary(report)
	if report.Failed > 0 {
		os.Exit(1)
	}
}

func printSummary(report *pipeline.Report) {
	fmt.Println()
	for _, r := range report.Results {
		switch r.Status {
		case models.StatusOK:
			color.Green("  ok      %s (%d blocks, %dms)", r.Path, r.Blocks, r.ElapsedMs)
		case models.StatusSkipped:
			color.Yellow("  skipped %s (already present)", r.Path)
		default:
			color.Red("  failed  %s (%s): %s", r.Path, r.Kind, r.Error)
		}
		for _, w := range r.Warnings {
			color.Yellow("          warning: %s", w)
		}
	}
	fmt.Println()
	fmt.Println(pipeline.Summary(report))
}

func inspectCmd(configPath, diagnosis, label, patientID string) {
	_, store := setup(configPath)
	defer store.Close()

	ctx := context.Background()
	key := models.TargetKey{Diagnosis: diagnosis, Label: label}

	summary, err := store.Summary(ctx, key)
	if err != nil {
		log.Fatalf("failed to inspect %s: %v", key, err)
	}
	if summary == nil {
		fmt.Printf("target %s does not exist\n", key)
		os.Exit(1)
	}

	a := summary.Attrs
	fmt.Printf("target %s\n", key)
	fmt.Printf("  sampling rate: %g Hz\n", a.SamplingRate)
	fmt.Printf("  channels:      %d (%v)\n", len(a.ChannelNames), a.ChannelNames)
	fmt.Printf("  block shape:   %d channels x %d samples\n", len(a.ChannelNames), a.BlockSamples)
	fmt.Printf("  compression:   %s\n", summary.Codec)
	fmt.Printf("  payload:       %s\n", utils.FormatBytes(summary.PayloadBytes))
	fmt.Printf("  patients:      %d\n", len(summary.Patients))
	for _, p := range summary.Patients {
		fmt.Printf("    %-12s %s, %-12s %5d blocks, %d source files\n",
			p.Patient.ID, p.Patient.Gender, p.Patient.AgeCategory, p.Blocks, len(p.Sources))
	}

	if patientID == "" {
		return
	}

	blocks, err := store.ReadBlocks(ctx, key, patientID)
	if err != nil {
		log.Fatalf("failed to read blocks for %s: %v", patientID, err)
	}
	if len(blocks) == 0 {
		fmt.Printf("\npatient %s has no blocks in %s\n", patientID, key)
		return
	}

	// stats over a bounded sample of blocks keeps inspect quick on
	// large targets
	const statBlocks = 50
	sample := blocks
	if len(sample) > statBlocks {
		sample = sample[:statBlocks]
	}

	fmt.Printf("\nper-channel stats for %s (first %d of %d blocks):\n", patientID, len(sample), len(blocks))
	for ch, name := range a.ChannelNames {
		series := make([]float64, 0, len(sample)*a.BlockSamples)
		for _, b := range sample {
			for _, v := range b[ch] {
				series = append(series, float64(v))
			}
		}
		mean, _ := stats.Mean(series)
		sd, _ := stats.StandardDeviation(series)
		min, _ := stats.Min(series)
		max, _ := stats.Max(series)
		fmt.Printf("    %-8s mean=%.4f sd=%.4f min=%.4f max=%.4f\n", name, mean, sd, min, max)
	}
}

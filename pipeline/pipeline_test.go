package pipeline_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eeg-pipeline/config"
	"eeg-pipeline/dataset"
	"eeg-pipeline/manifest"
	"eeg-pipeline/models"
	"eeg-pipeline/pipeline"
	"eeg-pipeline/utils"
)

var eegLabels = []string{
	"EEG FP1-A1", "EEG FP2-A2", "EEG F3-A1", "EEG F4-A2", "EEG C3-A1",
	"EEG C4-A2", "EEG P3-A1", "EEG P4-A2", "EEG O1-A1", "EEG O2-A2",
	"EEG F7-A1", "EEG F8-A2", "EEG T3-A1", "EEG T4-A2", "EEG T5-A1",
	"EEG T6-A2", "EEG Fz-A1", "EEG Cz-A2", "EEG Pz-A1",
}

// writeTestEDF builds a Monopolar19 EDF+ recording: one-second data
// records at 100 Hz, sine waves per channel, and the given annotation
// TALs in the first record.
func writeTestEDF(t *testing.T, path string, seconds int, anns string) {
	t.Helper()

	var buf bytes.Buffer
	field := func(width int, format string, args ...interface{}) {
		s := fmt.Sprintf(format, args...)
		require.LessOrEqual(t, len(s), width)
		buf.WriteString(s)
		buf.WriteString(string(bytes.Repeat([]byte{' '}, width-len(s))))
	}

	signals := len(eegLabels) + 1
	const spr = 100
	const annSpr = 64

	field(8, "0")
	field(80, "P001 F 02-AUG-2000 Test")
	field(80, "Startdate 01-JAN-2024")
	field(8, "01.01.24")
	field(8, "09.00.00")
	field(8, "%d", 256+signals*256)
	field(44, "EDF+C")
	field(8, "%d", seconds)
	field(8, "1")
	field(4, "%d", signals)

	for _, l := range eegLabels {
		field(16, "%s", l)
	}
	field(16, "EDF Annotations")
	for i := 0; i < signals; i++ {
		field(80, "")
	}
	for i := 0; i < signals-1; i++ {
		field(8, "uV")
	}
	field(8, "")
	for i := 0; i < signals; i++ {
		field(8, "-200")
	}
	for i := 0; i < signals; i++ {
		field(8, "200")
	}
	for i := 0; i < signals; i++ {
		field(8, "-2048")
	}
	for i := 0; i < signals; i++ {
		field(8, "2047")
	}
	for i := 0; i < signals; i++ {
		field(80, "")
	}
	for i := 0; i < signals-1; i++ {
		field(8, "%d", spr)
	}
	field(8, "%d", annSpr)
	for i := 0; i < signals; i++ {
		field(32, "")
	}

	for rec := 0; rec < seconds; rec++ {
		for ch := 0; ch < signals-1; ch++ {
			freq := 2 + float64(ch%10)*3
			for n := 0; n < spr; n++ {
				ts := float64(rec*spr+n) / float64(spr)
				v := math.Sin(2*math.Pi*freq*ts + float64(ch))
				binary.Write(&buf, binary.LittleEndian, int16(v*1800))
			}
		}

		tal := fmt.Sprintf("+%d\x14\x14\x00", rec)
		if rec == 0 {
			tal += anns
		}
		payload := make([]byte, annSpr*2)
		require.LessOrEqual(t, len(tal), len(payload))
		copy(payload, tal)
		buf.Write(payload)
	}

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Processing.Artifact.Enabled = false // keep the test fast and exact
	cfg.Dataset.Root = t.TempDir()
	cfg.Runtime.Workers = 2
	require.NoError(t, cfg.Validate())
	return &cfg
}

func openStore(t *testing.T, cfg *config.Config) dataset.Store {
	t.Helper()
	store, err := dataset.NewStore(cfg.DatasetConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestProcessEndToEnd(t *testing.T) {
	// 600 s single-label Baseline recording, trim 5, blocks 5/5:
	// conditioned 590 s -> exactly 118 blocks
	dir := t.TempDir()
	path := filepath.Join(dir, "rec1.edf")
	writeTestEDF(t, path, 600, "+0\x15600\x14Фоновая запись\x14\x00")

	digest, err := utils.FileSHA256(path)
	require.NoError(t, err)

	cfg := testConfig(t)
	store := openStore(t, cfg)

	entries := []manifest.Entry{{File: path, SHA256: digest, PatientID: "P001", Diagnosis: "G40"}}
	report := pipeline.NewRun(cfg, store).Process(context.Background(), entries)

	require.Equal(t, 1, report.Processed, "report: %+v", report.Results)
	require.Len(t, report.Results, 1)
	result := report.Results[0]
	assert.Equal(t, models.StatusOK, result.Status)
	assert.Equal(t, 118, result.Blocks)
	assert.Equal(t, []string{"G40/Baseline"}, result.Targets)

	key := models.TargetKey{Diagnosis: "G40", Label: "Baseline"}
	summary, err := store.Summary(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, 100.0, summary.Attrs.SamplingRate)
	assert.Equal(t, 500, summary.Attrs.BlockSamples)
	assert.Equal(t, 19, len(summary.Attrs.ChannelNames))
	require.Len(t, summary.Patients, 1)
	assert.Equal(t, "P001", summary.Patients[0].Patient.ID)
	assert.Equal(t, "F", summary.Patients[0].Patient.Gender)
	assert.Equal(t, "18-25 years", summary.Patients[0].Patient.AgeCategory)
	assert.Equal(t, 118, summary.Patients[0].Blocks)

	blocks, err := store.ReadBlocks(context.Background(), key, "P001")
	require.NoError(t, err)
	require.Len(t, blocks, 118)
	for _, v := range blocks[0][0] {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
}

func TestProcessResumeIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rec1.edf")
	writeTestEDF(t, path, 60, "+0\x1560\x14Фоновая запись\x14\x00")

	cfg := testConfig(t)
	store := openStore(t, cfg)
	entries := []manifest.Entry{{File: path, PatientID: "P001", Diagnosis: "G40"}}

	first := pipeline.NewRun(cfg, store).Process(context.Background(), entries)
	require.Equal(t, 1, first.Processed, "report: %+v", first.Results)

	second := pipeline.NewRun(cfg, store).Process(context.Background(), entries)
	assert.Equal(t, 0, second.Processed)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, models.StatusSkipped, second.Results[0].Status)

	key := models.TargetKey{Diagnosis: "G40", Label: "Baseline"}
	summary, err := store.Summary(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 10, summary.Patients[0].Blocks) // 50 s conditioned / 5 s blocks
	assert.Len(t, summary.Patients[0].Sources, 1)
}

func TestProcessIntegrityFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rec1.edf")
	writeTestEDF(t, path, 60, "+0\x1560\x14Фоновая запись\x14\x00")

	cfg := testConfig(t)
	store := openStore(t, cfg)

	entries := []manifest.Entry{{
		File:      path,
		SHA256:    "0000000000000000000000000000000000000000000000000000000000000000",
		PatientID: "P001",
		Diagnosis: "G40",
	}}
	report := pipeline.NewRun(cfg, store).Process(context.Background(), entries)

	require.Equal(t, 1, report.Failed)
	assert.Equal(t, models.FailIntegrity, report.Results[0].Kind)

	// nothing committed
	summary, err := store.Summary(context.Background(), models.TargetKey{Diagnosis: "G40", Label: "Baseline"})
	require.NoError(t, err)
	assert.Nil(t, summary)
}

func TestProcessFailureDoesNotAbortBatch(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.edf")
	bad := filepath.Join(dir, "bad.edf")
	writeTestEDF(t, good, 60, "+0\x1560\x14Фоновая запись\x14\x00")
	require.NoError(t, os.WriteFile(bad, []byte("not an edf file"), 0644))

	cfg := testConfig(t)
	store := openStore(t, cfg)

	entries := []manifest.Entry{
		{File: bad, PatientID: "P002", Diagnosis: "G40"},
		{File: good, PatientID: "P001", Diagnosis: "G40"},
	}
	report := pipeline.NewRun(cfg, store).Process(context.Background(), entries)

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Failed)

	byPath := map[string]models.FileResult{}
	for _, r := range report.Results {
		byPath[r.Path] = r
	}
	assert.Equal(t, models.StatusFailed, byPath[bad].Status)
	assert.Equal(t, models.FailDecode, byPath[bad].Kind)
	assert.Equal(t, models.StatusOK, byPath[good].Status)
}

func TestProcessOverlappingLabels(t *testing.T) {
	// EyesOpen [10,20) vs EyesClosed [15,25): later onset wins, so the
	// conditioned recording yields EyesOpen [5,10) and EyesClosed
	// [10,20) after the 5 s trim
	dir := t.TempDir()
	path := filepath.Join(dir, "rec1.edf")
	anns := "+10\x1510\x14Открывание глаз\x14\x00+15\x1510\x14Закрывание глаз\x14\x00"
	writeTestEDF(t, path, 60, anns)

	cfg := testConfig(t)
	store := openStore(t, cfg)

	entries := []manifest.Entry{{File: path, PatientID: "P001", Diagnosis: "G40"}}
	report := pipeline.NewRun(cfg, store).Process(context.Background(), entries)
	require.Equal(t, 1, report.Processed, "report: %+v", report.Results)

	open, err := store.Summary(context.Background(), models.TargetKey{Diagnosis: "G40", Label: "EyesOpen"})
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, 1, open.Patients[0].Blocks) // 5 s -> one 5 s block

	closed, err := store.Summary(context.Background(), models.TargetKey{Diagnosis: "G40", Label: "EyesClosed"})
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.Equal(t, 2, closed.Patients[0].Blocks) // 10 s -> two blocks
}

func TestProcessInterruptedRunIsTagged(t *testing.T) {
	dir := t.TempDir()
	var entries []manifest.Entry
	for i := 0; i < 2; i++ {
		path := filepath.Join(dir, fmt.Sprintf("rec%d.edf", i))
		writeTestEDF(t, path, 30, "+0\x1530\x14Фоновая запись\x14\x00")
		entries = append(entries, manifest.Entry{
			File: path, PatientID: fmt.Sprintf("P%03d", i), Diagnosis: "G40",
		})
	}

	cfg := testConfig(t)
	store := openStore(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := pipeline.NewRun(cfg, store).Process(ctx, entries)

	require.Equal(t, 2, report.Failed)
	for _, r := range report.Results {
		assert.Equal(t, models.StatusFailed, r.Status)
		assert.Equal(t, models.FailInterrupted, r.Kind, "cancellation is not a storage failure")
	}

	// nothing committed, so a resumed run starts clean
	summary, err := store.Summary(context.Background(), models.TargetKey{Diagnosis: "G40", Label: "Baseline"})
	require.NoError(t, err)
	assert.Nil(t, summary)
}

func TestProcessLogsFailuresWithTraces(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.edf")
	require.NoError(t, os.WriteFile(bad, []byte("not an edf file"), 0644))

	cfg := testConfig(t)
	store := openStore(t, cfg)

	var buf bytes.Buffer
	run := pipeline.NewRun(cfg, store)
	run.Log = utils.NewLogger(&buf, "info", "json")

	entries := []manifest.Entry{{File: bad, PatientID: "P001", Diagnosis: "G40"}}
	report := run.Process(context.Background(), entries)
	require.Equal(t, 1, report.Failed)

	logged := buf.String()
	assert.Contains(t, logged, `"msg":"file failed"`)
	assert.Contains(t, logged, bad)
	assert.Contains(t, logged, `"trace"`, "failure records carry a stack trace")
}

func TestProcessMaxFiles(t *testing.T) {
	dir := t.TempDir()
	var entries []manifest.Entry
	for i := 0; i < 3; i++ {
		path := filepath.Join(dir, fmt.Sprintf("rec%d.edf", i))
		writeTestEDF(t, path, 30, "+0\x1530\x14Фоновая запись\x14\x00")
		entries = append(entries, manifest.Entry{
			File: path, PatientID: fmt.Sprintf("P%03d", i), Diagnosis: "G40",
		})
	}

	cfg := testConfig(t)
	cfg.Runtime.MaxFiles = 2
	store := openStore(t, cfg)

	report := pipeline.NewRun(cfg, store).Process(context.Background(), entries)
	assert.Len(t, report.Results, 2)
}

func TestReportRetryRoundTrip(t *testing.T) {
	report := &pipeline.Report{
		RunID: "test",
		Results: []models.FileResult{
			{Path: "/data/a.edf", Status: models.StatusOK},
			{Path: "/data/b.edf", Status: models.StatusFailed, Kind: models.FailDecode, Error: "boom"},
			{Path: "/data/c.edf", Status: models.StatusSkipped},
			{Path: "/data/d.edf", Status: models.StatusFailed, Kind: models.FailShape, Error: "shape"},
		},
	}

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, pipeline.WriteReport(path, report))

	failed, err := pipeline.FailedPaths(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/b.edf", "/data/d.edf"}, failed)
}

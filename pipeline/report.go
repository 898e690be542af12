package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/buger/jsonparser"

	"eeg-pipeline/models"
	"eeg-pipeline/utils"
)

// Report is the machine-readable outcome of one run. The retry
// command reads it back to re-queue failed files.
type Report struct {
	RunID      string              `json:"runId"`
	StartedAt  time.Time           `json:"startedAt"`
	FinishedAt time.Time           `json:"finishedAt"`
	Processed  int                 `json:"processed"`
	Skipped    int                 `json:"skipped"`
	Failed     int                 `json:"failed"`
	Results    []models.FileResult `json:"results"`
}

func (r *Report) add(result models.FileResult) {
	switch result.Status {
	case models.StatusOK:
		r.Processed++
	case models.StatusSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
	r.Results = append(r.Results, result)
}

// WriteReport saves the report as indented JSON.
func WriteReport(path string, report *Report) error {
	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %v", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := utils.CreateFolder(dir); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("failed to write report %s: %v", path, err)
	}
	return nil
}

// FailedPaths extracts the paths of failed files from a saved report.
// Only the status and path fields are touched, so reports from older
// runs with extra fields still parse.
func FailedPaths(reportPath string) ([]string, error) {
	raw, err := os.ReadFile(reportPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read report %s: %v", reportPath, err)
	}

	var paths []string
	var parseErr error
	_, err = jsonparser.ArrayEach(raw, func(value []byte, _ jsonparser.ValueType, _ int, _ error) {
		status, err := jsonparser.GetString(value, "status")
		if err != nil {
			parseErr = fmt.Errorf("report entry has no status: %v", err)
			return
		}
		if status != string(models.StatusFailed) {
			return
		}
		path, err := jsonparser.GetString(value, "path")
		if err != nil {
			parseErr = fmt.Errorf("report entry has no path: %v", err)
			return
		}
		paths = append(paths, path)
	}, "results")
	if err != nil {
		return nil, fmt.Errorf("failed to parse report %s: %v", reportPath, err)
	}
	if parseErr != nil {
		return nil, parseErr
	}
	return paths, nil
}

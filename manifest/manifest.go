// Package manifest loads the run's target list: which recording files
// to process, which patient and diagnosis each belongs to, and the
// expected content checksum.
package manifest

import (
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/gjson"
)

// Entry is one recording scheduled for ingestion.
type Entry struct {
	File      string
	SHA256    string // expected digest, empty skips verification
	PatientID string
	Diagnosis string
}

// IntegrityError reports a source file whose content does not match
// the manifest's checksum. The file is skipped before decoding.
type IntegrityError struct {
	Path string
	Want string
	Got  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: expected %s, got %s", e.Path, e.Want, e.Got)
}

// Load parses a manifest file of the form
//
//	{"targets": [{"file": ..., "sha256": ..., "patient_id": ..., "diagnosis": ...}, ...]}
//
// Every entry needs a file, a patient id and a diagnosis; the checksum
// is optional.
func Load(path string) ([]Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %v", err)
	}
	return Parse(raw)
}

// Parse decodes manifest JSON.
func Parse(raw []byte) ([]Entry, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("manifest is not valid JSON")
	}
	targets := gjson.GetBytes(raw, "targets")
	if !targets.IsArray() {
		return nil, fmt.Errorf("manifest has no targets array")
	}

	var entries []Entry
	var parseErr error
	targets.ForEach(func(i, t gjson.Result) bool {
		e := Entry{
			File:      t.Get("file").String(),
			SHA256:    strings.ToLower(t.Get("sha256").String()),
			PatientID: t.Get("patient_id").String(),
			Diagnosis: t.Get("diagnosis").String(),
		}
		switch {
		case e.File == "":
			parseErr = fmt.Errorf("manifest entry %d has no file", i.Int())
		case e.PatientID == "":
			parseErr = fmt.Errorf("manifest entry %d (%s) has no patient_id", i.Int(), e.File)
		case e.Diagnosis == "":
			parseErr = fmt.Errorf("manifest entry %d (%s) has no diagnosis", i.Int(), e.File)
		}
		if parseErr != nil {
			return false
		}
		entries = append(entries, e)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("manifest lists no targets")
	}
	return entries, nil
}

// Verify checks the entry's file against its expected checksum using
// the supplied digest function. Returns the actual digest for the
// source identity.
func (e Entry) Verify(digest func(string) (string, error)) (string, error) {
	got, err := digest(e.File)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %v", e.File, err)
	}
	if e.SHA256 != "" && got != e.SHA256 {
		return "", &IntegrityError{Path: e.File, Want: e.SHA256, Got: got}
	}
	return got, nil
}

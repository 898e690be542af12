package manifest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eeg-pipeline/manifest"
	"eeg-pipeline/utils"
)

const sample = `{
  "targets": [
    {"file": "/data/rec1.edf", "sha256": "ABCDEF", "patient_id": "P001", "diagnosis": "G40"},
    {"file": "/data/rec2.edf", "patient_id": "P002", "diagnosis": "Healthy"}
  ]
}`

func TestParse(t *testing.T) {
	entries, err := manifest.Parse([]byte(sample))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "/data/rec1.edf", entries[0].File)
	assert.Equal(t, "abcdef", entries[0].SHA256, "digests are normalized to lower case")
	assert.Equal(t, "P001", entries[0].PatientID)
	assert.Equal(t, "G40", entries[0].Diagnosis)
	assert.Empty(t, entries[1].SHA256)
}

func TestParseRejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{"targets": [`},
		{"no targets", `{"files": []}`},
		{"empty targets", `{"targets": []}`},
		{"missing file", `{"targets": [{"patient_id": "P1", "diagnosis": "D"}]}`},
		{"missing patient", `{"targets": [{"file": "a.edf", "diagnosis": "D"}]}`},
		{"missing diagnosis", `{"targets": [{"file": "a.edf", "patient_id": "P1"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := manifest.Parse([]byte(tc.raw))
			assert.Error(t, err)
		})
	}
}

func TestVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.edf")
	require.NoError(t, os.WriteFile(path, []byte("signal data"), 0644))

	digest, err := utils.FileSHA256(path)
	require.NoError(t, err)

	entry := manifest.Entry{File: path, SHA256: digest, PatientID: "P1", Diagnosis: "D"}
	got, err := entry.Verify(utils.FileSHA256)
	require.NoError(t, err)
	assert.Equal(t, digest, got)

	// wrong checksum is an integrity failure
	entry.SHA256 = "0000000000000000000000000000000000000000000000000000000000000000"
	_, err = entry.Verify(utils.FileSHA256)
	var integrity *manifest.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, path, integrity.Path)

	// no checksum skips verification but still reports the digest
	entry.SHA256 = ""
	got, err = entry.Verify(utils.FileSHA256)
	require.NoError(t, err)
	assert.Equal(t, digest, got)
}

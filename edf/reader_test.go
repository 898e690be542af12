package edf_test

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eeg-pipeline/edf"
)

// buildEDF assembles a minimal EDF+ stream: two sine-wave signals plus
// an annotation signal, one-second records.
func buildEDF(t *testing.T, patient string, records int, anns string) []byte {
	t.Helper()

	var buf bytes.Buffer
	field := func(width int, format string, args ...interface{}) {
		s := fmt.Sprintf(format, args...)
		require.LessOrEqual(t, len(s), width, "header field %q too wide", s)
		buf.WriteString(s)
		buf.WriteString(string(bytes.Repeat([]byte{' '}, width-len(s))))
	}

	const signals = 3 // two data signals + annotations
	field(8, "0")
	field(80, "%s", patient)
	field(80, "Startdate 01-JAN-2024")
	field(8, "01.01.24")
	field(8, "10.30.00")
	field(8, "%d", 256+signals*256)
	field(44, "EDF+C")
	field(8, "%d", records)
	field(8, "1")
	field(4, "%d", signals)

	labels := []string{"EEG FP1-A1", "EEG FP2-A2", "EDF Annotations"}
	sprs := []int{100, 100, 64}
	for _, l := range labels {
		field(16, "%s", l)
	}
	for range labels {
		field(80, "")
	}
	for i := range labels {
		if i < 2 {
			field(8, "uV")
		} else {
			field(8, "")
		}
	}
	for range labels {
		field(8, "-200")
	}
	for range labels {
		field(8, "200")
	}
	for range labels {
		field(8, "-2048")
	}
	for range labels {
		field(8, "2047")
	}
	for range labels {
		field(80, "")
	}
	for _, spr := range sprs {
		field(8, "%d", spr)
	}
	for range labels {
		field(32, "")
	}

	for rec := 0; rec < records; rec++ {
		for sig := 0; sig < 2; sig++ {
			for n := 0; n < sprs[sig]; n++ {
				ts := float64(rec*sprs[sig]+n) / 100.0
				v := math.Sin(2 * math.Pi * (3 + float64(sig)) * ts)
				digital := int16(v * 2000)
				binary.Write(&buf, binary.LittleEndian, digital)
			}
		}

		tal := fmt.Sprintf("+%d\x14\x14\x00", rec) // record timestamp
		if rec == 0 && anns != "" {
			tal += anns
		}
		payload := make([]byte, sprs[2]*2)
		copy(payload, tal)
		buf.Write(payload)
	}

	return buf.Bytes()
}

func TestReadRecording(t *testing.T) {
	raw := buildEDF(t, "P001 M 02-AUG-1951 Doe", 4, "+1.5\x152\x14Фоновая запись\x14")

	rec, err := edf.Read(bytes.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, 100.0, rec.SampleRate)
	require.Len(t, rec.Channels, 2)
	assert.Equal(t, "EEG FP1-A1", rec.Channels[0].Name)
	assert.Equal(t, "uV", rec.Channels[0].Unit)
	assert.Equal(t, 400, rec.Samples())
	assert.InDelta(t, 4.0, rec.Duration(), 1e-9)

	// calibration: digital 2000 of +/-2048 over +/-200 uV
	peak := 0.0
	for _, v := range rec.Data[0] {
		if v > peak {
			peak = v
		}
	}
	assert.InDelta(t, 195.3, peak, 0.5)

	require.Len(t, rec.Annotations, 1)
	assert.InDelta(t, 1.5, rec.Annotations[0].Onset, 1e-9)
	assert.InDelta(t, 2.0, rec.Annotations[0].Duration, 1e-9)
	assert.Equal(t, "Фоновая запись", rec.Annotations[0].Label)

	assert.Equal(t, "P001", rec.Patient.ID)
	assert.Equal(t, "M", rec.Patient.Gender)
	// recorded 2024, born 1951
	assert.Equal(t, "40+ years", rec.Patient.AgeCategory)

	assert.Equal(t, 2024, rec.StartTime.Year())
	assert.Equal(t, 10, rec.StartTime.Hour())
	assert.Equal(t, 30, rec.StartTime.Minute())
}

func TestReadUnparseablePatientField(t *testing.T) {
	raw := buildEDF(t, "X X X X", 1, "")

	rec, err := edf.Read(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Empty(t, rec.Patient.ID)
	assert.Equal(t, "N", rec.Patient.Gender)
	assert.Equal(t, "Unknown", rec.Patient.AgeCategory)
}

func TestReadAnnotationsSorted(t *testing.T) {
	// two labels in one TAL list plus a later one, onsets out of order
	anns := "+3\x14Закрывание глаз\x14" + "\x00" + "+2\x151\x14Открывание глаз\x14"
	raw := buildEDF(t, "P002 F X Roe", 4, anns)

	rec, err := edf.Read(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, rec.Annotations, 2)
	assert.Equal(t, "Открывание глаз", rec.Annotations[0].Label)
	assert.Equal(t, "Закрывание глаз", rec.Annotations[1].Label)
}

func TestReadTruncatedHeader(t *testing.T) {
	_, err := edf.Read(bytes.NewReader([]byte("0       too short")))
	require.Error(t, err)
}

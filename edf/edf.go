// Package edf decodes EDF and EDF+ recordings into the pipeline's
// Recording model: calibrated per-channel sample arrays, the embedded
// clinical event annotations, and the patient demographics carried in
// the local patient identification field.
package edf

import "time"

// Header is the static descriptor at the start of every EDF file.
type Header struct {
	Version        string
	PatientID      string // local patient identification, verbatim
	RecordingID    string // local recording identification, verbatim
	StartTime      time.Time
	HeaderBytes    int
	Reserved       string // "EDF+C" for continuous EDF+ recordings
	NumDataRecords int    // -1 when unknown (read until EOF)
	RecordDuration float64
	Signals        []SignalHeader
}

// SignalHeader describes one signal within the file, including the
// calibration needed to map stored digital values to physical units.
type SignalHeader struct {
	Label             string
	TransducerType    string
	PhysicalDimension string
	PhysicalMin       float64
	PhysicalMax       float64
	DigitalMin        int
	DigitalMax        int
	Prefiltering      string
	SamplesPerRecord  int
}

// isAnnotation reports whether the signal carries EDF+ timestamped
// annotation lists instead of sample data.
func (s SignalHeader) isAnnotation() bool {
	return s.Label == "EDF Annotations"
}

package models

import "time"

// ChannelKind classifies a channel's role within a montage.
type ChannelKind int

const (
	ChannelEEG ChannelKind = iota
	ChannelECG
	ChannelAux
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelEEG:
		return "eeg"
	case ChannelECG:
		return "ecg"
	default:
		return "aux"
	}
}

// Channel describes one signal channel of a recording.
type Channel struct {
	Name string // vendor label as stored in the file, e.g. "EEG FP1-A1"
	Unit string // physical dimension, e.g. "uV"
	Site string // montage-assigned electrode site, e.g. "FP1"
	Kind ChannelKind
}

// Patient carries the demographic attributes stored alongside blocks.
type Patient struct {
	ID          string
	Gender      string // "M", "F" or "N" when not recorded
	AgeCategory string // age band at recording time, "Unknown" when unparseable
}

// Source identifies one input file by path and content checksum.
type Source struct {
	Path   string
	SHA256 string
}

// Annotation is one clinical event marker decoded from a recording.
// Onsets arrive unordered and are sorted before segmentation.
type Annotation struct {
	Onset    float64 // seconds from recording start
	Duration float64 // seconds
	Label    string  // raw label as written by the acquisition hardware
}

// Recording is one decoded multichannel recording together with its
// metadata. Treated as immutable once loaded; stages that change the
// signal return a derived Recording instead of mutating in place.
type Recording struct {
	Data        [][]float64 // channels x samples
	SampleRate  float64     // Hz, identical for all channels
	Channels    []Channel
	Annotations []Annotation
	Patient     Patient
	Source      Source
	StartTime   time.Time
}

// Samples returns the per-channel sample count, 0 for an empty recording.
func (r *Recording) Samples() int {
	if len(r.Data) == 0 {
		return 0
	}
	return len(r.Data[0])
}

// Duration returns the recording length in seconds.
func (r *Recording) Duration() float64 {
	if r.SampleRate <= 0 {
		return 0
	}
	return float64(r.Samples()) / r.SampleRate
}

// Segment is a labeled, non-overlapping slice of a conditioned recording,
// expressed in sample indices. End is exclusive.
type Segment struct {
	Label       string
	StartSample int
	EndSample   int
}

// Samples returns the segment length in samples.
func (s Segment) Samples() int {
	return s.EndSample - s.StartSample
}

// Block is a fixed-length window cut from a segment. Data is an
// independent snapshot in the stored dtype, so later stages can release
// the recording without invalidating blocks.
type Block struct {
	Index int         // 0-based position within its segment
	Data  [][]float32 // channels x samples
}

// Samples returns the per-channel sample count of the block.
func (b Block) Samples() int {
	if len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// TargetKey addresses one dataset container.
type TargetKey struct {
	Diagnosis string
	Label     string
}

func (k TargetKey) String() string {
	return k.Diagnosis + "/" + k.Label
}

// TargetAttrs are the container-level attributes of a dataset target.
// They are established by the first committed batch and must match
// exactly on every later commit.
type TargetAttrs struct {
	SamplingRate float64
	ChannelNames []string
	BlockSamples int
	Diagnosis    string
	Label        string
}

// Equal reports whether two attribute sets are compatible.
func (a TargetAttrs) Equal(b TargetAttrs) bool {
	if a.SamplingRate != b.SamplingRate ||
		a.BlockSamples != b.BlockSamples ||
		a.Diagnosis != b.Diagnosis ||
		a.Label != b.Label ||
		len(a.ChannelNames) != len(b.ChannelNames) {
		return false
	}
	for i := range a.ChannelNames {
		if a.ChannelNames[i] != b.ChannelNames[i] {
			return false
		}
	}
	return true
}

// Status is the outcome class of one processed file.
type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped" // already present in every target it maps to
	StatusFailed  Status = "failed"
)

// FailureKind tags which stage rejected a file.
type FailureKind string

const (
	FailIntegrity   FailureKind = "integrity"
	FailDecode      FailureKind = "decode"
	FailMontage     FailureKind = "montage"
	FailDuration    FailureKind = "duration"
	FailProcessing  FailureKind = "processing"
	FailShape       FailureKind = "shape"
	FailStorage     FailureKind = "storage"
	FailInterrupted FailureKind = "interrupted" // cancelled before the file finished
)

// FileResult is the per-file status handed back to the orchestrator and
// written into the run report.
type FileResult struct {
	Path      string        `json:"path"`
	Patient   string        `json:"patient,omitempty"`
	Diagnosis string        `json:"diagnosis,omitempty"`
	Status    Status        `json:"status"`
	Kind      FailureKind   `json:"kind,omitempty"`
	Blocks    int           `json:"blocks"`
	Targets   []string      `json:"targets,omitempty"`
	Warnings  []string      `json:"warnings,omitempty"`
	Error     string        `json:"error,omitempty"`
	Elapsed   time.Duration `json:"-"`
	ElapsedMs int64         `json:"elapsedMs"`
}

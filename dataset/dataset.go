// Package dataset is the persistence layer: it accumulates fixed-shape
// signal blocks into hierarchical per-(diagnosis, label) containers
// with per-patient groups, compressed per-block chunks, and an
// ingested-source ledger that makes re-runs idempotent. Commits are
// all-or-nothing per source file.
package dataset

import (
	"context"
	"fmt"

	"eeg-pipeline/models"
)

// Config selects and parameterizes a store backend.
type Config struct {
	Backend           string // "sqlite" or "mongo"
	Root              string // sqlite: directory holding the target containers
	MongoURI          string
	MongoDatabase     string
	Compression       Codec
	OverwriteExisting bool
	SizeLimit         int64 // bytes of compressed payload per target, 0 = unlimited
}

// Batch is one source file's complete contribution to one target:
// every block produced for that (diagnosis, label) pair, in generation
// order.
type Batch struct {
	Key     models.TargetKey
	Attrs   models.TargetAttrs
	Patient models.Patient
	Source  models.Source
	Blocks  []models.Block
}

// CommitStatus reports how a batch was handled.
type CommitStatus int

const (
	Committed      CommitStatus = iota
	AlreadyPresent              // source already in the ledger, nothing written
	Replaced                    // overwrite requested, previous contribution swapped out
)

func (s CommitStatus) String() string {
	switch s {
	case AlreadyPresent:
		return "already present"
	case Replaced:
		return "replaced"
	default:
		return "committed"
	}
}

// ShapeMismatchError reports a batch whose shape or provenance
// attributes conflict with the ones a target was created with.
type ShapeMismatchError struct {
	Key  models.TargetKey
	Want models.TargetAttrs
	Got  models.TargetAttrs
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("target %s: batch shape %s does not match established %s",
		e.Key, describeAttrs(e.Got), describeAttrs(e.Want))
}

func describeAttrs(a models.TargetAttrs) string {
	return fmt.Sprintf("(%g Hz, %d channels, %d samples/block)",
		a.SamplingRate, len(a.ChannelNames), a.BlockSamples)
}

// TargetFullError reports a commit that would push a target past the
// configured size limit. The target is left unchanged.
type TargetFullError struct {
	Key   models.TargetKey
	Limit int64
}

func (e *TargetFullError) Error() string {
	return fmt.Sprintf("target %s: size limit of %d bytes reached", e.Key, e.Limit)
}

// PatientSummary describes one patient group inside a target.
type PatientSummary struct {
	Patient models.Patient
	Blocks  int
	Sources []models.Source // in ingestion order
}

// TargetSummary describes one container for inspection.
type TargetSummary struct {
	Attrs        models.TargetAttrs
	Codec        Codec
	PayloadBytes int64
	Patients     []PatientSummary
}

// Store is the dataset writer boundary. Implementations serialize all
// mutation internally; the pipeline additionally funnels every commit
// through a single writer goroutine.
type Store interface {
	// Commit writes one batch atomically. On any returned error the
	// target is unchanged.
	Commit(ctx context.Context, batch Batch) (CommitStatus, error)

	// Summary describes a target; nil when the target does not exist.
	Summary(ctx context.Context, key models.TargetKey) (*TargetSummary, error)

	// ReadBlocks returns a patient's blocks in stored order, decoded.
	ReadBlocks(ctx context.Context, key models.TargetKey, patientID string) ([][][]float32, error)

	Close() error
}

// NewStore opens the backend named by the configuration.
func NewStore(cfg Config) (Store, error) {
	if err := cfg.Compression.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case "sqlite", "":
		return newSQLiteStore(cfg)
	case "mongo":
		return newMongoStore(cfg)
	default:
		return nil, fmt.Errorf("unknown dataset backend %q", cfg.Backend)
	}
}

// payloadSize totals a batch's encoded size with the given codec.
func payloadSize(blocks [][]byte) int64 {
	var total int64
	for _, b := range blocks {
		total += int64(len(b))
	}
	return total
}

// encodeBatch compresses every block in order.
func encodeBatch(codec Codec, batch Batch) ([][]byte, error) {
	payloads := make([][]byte, len(batch.Blocks))
	for i, b := range batch.Blocks {
		p, err := codec.Encode(b.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode block %d: %v", i, err)
		}
		payloads[i] = p
	}
	return payloads, nil
}

// validateBatch checks the batch's internal consistency before any
// backend work: every block must match the batch's declared shape.
func validateBatch(batch Batch) error {
	if len(batch.Blocks) == 0 {
		return fmt.Errorf("target %s: empty batch from %s", batch.Key, batch.Source.Path)
	}
	for i, b := range batch.Blocks {
		if len(b.Data) != len(batch.Attrs.ChannelNames) || b.Samples() != batch.Attrs.BlockSamples {
			return fmt.Errorf("target %s: block %d is %dx%d, batch declares %dx%d",
				batch.Key, i, len(b.Data), b.Samples(),
				len(batch.Attrs.ChannelNames), batch.Attrs.BlockSamples)
		}
	}
	return nil
}

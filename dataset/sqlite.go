package dataset

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"eeg-pipeline/models"
	"eeg-pipeline/utils"
)

// sqliteStore keeps one database file per (diagnosis, label) target
// under the dataset root. A whole source file's contribution commits
// inside one transaction, so the SQLite journal gives the all-or-
// nothing and crash-safety guarantees for free.
type sqliteStore struct {
	cfg Config

	mu   sync.Mutex
	open map[models.TargetKey]*sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS target_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	diagnosis TEXT NOT NULL,
	label TEXT NOT NULL,
	sampling_rate REAL NOT NULL,
	channel_names TEXT NOT NULL,
	block_samples INTEGER NOT NULL,
	codec TEXT NOT NULL,
	payload_bytes INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS patients (
	patient_id TEXT PRIMARY KEY,
	gender TEXT NOT NULL,
	age_category TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sources (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	patient_id TEXT NOT NULL REFERENCES patients(patient_id),
	path TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	ordinal INTEGER NOT NULL,
	UNIQUE (patient_id, sha256)
);
CREATE TABLE IF NOT EXISTS blocks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	patient_id TEXT NOT NULL REFERENCES patients(patient_id),
	source_id INTEGER NOT NULL REFERENCES sources(id),
	seq INTEGER NOT NULL,
	payload BLOB NOT NULL,
	UNIQUE (source_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_blocks_patient ON blocks(patient_id, id);
`

func newSQLiteStore(cfg Config) (*sqliteStore, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("sqlite backend needs a dataset root directory")
	}
	if err := utils.CreateFolder(cfg.Root); err != nil {
		return nil, fmt.Errorf("failed to create dataset root: %v", err)
	}
	return &sqliteStore{cfg: cfg, open: make(map[models.TargetKey]*sql.DB)}, nil
}

// targetPath places each container at <root>/<diagnosis>/<label>.sqlite3.
func (s *sqliteStore) targetPath(key models.TargetKey) string {
	return filepath.Join(s.cfg.Root, key.Diagnosis, key.Label+".sqlite3")
}

func (s *sqliteStore) db(key models.TargetKey, create bool) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.open[key]; ok {
		return db, nil
	}

	path := s.targetPath(key)
	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, nil
		}
	}
	if err := utils.CreateFolder(filepath.Dir(path)); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open target %s: %v", key, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize target %s: %v", key, err)
	}

	s.open[key] = db
	return db, nil
}

func (s *sqliteStore) Commit(ctx context.Context, batch Batch) (CommitStatus, error) {
	if err := validateBatch(batch); err != nil {
		return 0, err
	}

	db, err := s.db(batch.Key, true)
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	attrs, codec, payloadBytes, err := readMeta(tx, batch.Key)
	if err != nil {
		return 0, err
	}

	status := Committed
	if attrs == nil {
		// first write establishes the container attributes and codec
		names, err := json.Marshal(batch.Attrs.ChannelNames)
		if err != nil {
			return 0, fmt.Errorf("failed to encode channel names: %v", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO target_meta
			(id, diagnosis, label, sampling_rate, channel_names, block_samples, codec, payload_bytes)
			VALUES (1, ?, ?, ?, ?, ?, ?, 0)`,
			batch.Key.Diagnosis, batch.Key.Label, batch.Attrs.SamplingRate,
			string(names), batch.Attrs.BlockSamples, s.cfg.Compression.String())
		if err != nil {
			return 0, fmt.Errorf("failed to write target attributes: %v", err)
		}
		codec = s.cfg.Compression
	} else if !attrs.Equal(batch.Attrs) {
		return 0, &ShapeMismatchError{Key: batch.Key, Want: *attrs, Got: batch.Attrs}
	}

	var sourceID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM sources WHERE patient_id = ? AND sha256 = ?`,
		batch.Patient.ID, batch.Source.SHA256).Scan(&sourceID)
	switch {
	case err == nil:
		if !s.cfg.OverwriteExisting {
			return AlreadyPresent, nil
		}
		var reclaimed sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT SUM(LENGTH(payload)) FROM blocks WHERE source_id = ?`,
			sourceID).Scan(&reclaimed); err != nil {
			return 0, fmt.Errorf("failed to size previous contribution: %v", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE source_id = ?`, sourceID); err != nil {
			return 0, fmt.Errorf("failed to drop previous contribution: %v", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, sourceID); err != nil {
			return 0, fmt.Errorf("failed to drop previous source entry: %v", err)
		}
		payloadBytes -= reclaimed.Int64
		status = Replaced
	case err != sql.ErrNoRows:
		return 0, fmt.Errorf("failed to check source ledger: %v", err)
	}

	payloads, err := encodeBatch(codec, batch)
	if err != nil {
		return 0, err
	}
	if s.cfg.SizeLimit > 0 && payloadBytes+payloadSize(payloads) > s.cfg.SizeLimit {
		return 0, &TargetFullError{Key: batch.Key, Limit: s.cfg.SizeLimit}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO patients (patient_id, gender, age_category)
		VALUES (?, ?, ?)
		ON CONFLICT (patient_id) DO UPDATE SET gender = excluded.gender, age_category = excluded.age_category`,
		batch.Patient.ID, batch.Patient.Gender, batch.Patient.AgeCategory)
	if err != nil {
		return 0, fmt.Errorf("failed to write patient group: %v", err)
	}

	// ordinals must stay unique after an overwrite removed a source from
	// the middle of the sequence, so the next one is MAX+1, not COUNT
	var ordinal int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(ordinal) + 1, 0) FROM sources WHERE patient_id = ?`,
		batch.Patient.ID).Scan(&ordinal); err != nil {
		return 0, fmt.Errorf("failed to assign source ordinal: %v", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO sources (patient_id, path, sha256, ordinal) VALUES (?, ?, ?, ?)`,
		batch.Patient.ID, batch.Source.Path, batch.Source.SHA256, ordinal)
	if err != nil {
		return 0, fmt.Errorf("failed to record source identity: %v", err)
	}
	if sourceID, err = res.LastInsertId(); err != nil {
		return 0, fmt.Errorf("failed to record source identity: %v", err)
	}

	insert, err := tx.PrepareContext(ctx, `INSERT INTO blocks (patient_id, source_id, seq, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare block insert: %v", err)
	}
	defer insert.Close()
	for seq, payload := range payloads {
		if _, err := insert.ExecContext(ctx, batch.Patient.ID, sourceID, seq, payload); err != nil {
			return 0, fmt.Errorf("failed to write block %d: %v", seq, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE target_meta SET payload_bytes = ? WHERE id = 1`,
		payloadBytes+payloadSize(payloads)); err != nil {
		return 0, fmt.Errorf("failed to update payload accounting: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %v", err)
	}
	return status, nil
}

// readMeta returns the established attributes, or nil on a fresh
// target.
func readMeta(tx *sql.Tx, key models.TargetKey) (*models.TargetAttrs, Codec, int64, error) {
	var (
		attrs     models.TargetAttrs
		namesJSON string
		codecStr  string
		bytes     int64
	)
	err := tx.QueryRow(`SELECT diagnosis, label, sampling_rate, channel_names, block_samples, codec, payload_bytes
		FROM target_meta WHERE id = 1`).
		Scan(&attrs.Diagnosis, &attrs.Label, &attrs.SamplingRate, &namesJSON, &attrs.BlockSamples, &codecStr, &bytes)
	if err == sql.ErrNoRows {
		return nil, Codec{}, 0, nil
	}
	if err != nil {
		return nil, Codec{}, 0, fmt.Errorf("failed to read target attributes: %v", err)
	}
	if err := json.Unmarshal([]byte(namesJSON), &attrs.ChannelNames); err != nil {
		return nil, Codec{}, 0, fmt.Errorf("corrupt channel names in target %s: %v", key, err)
	}
	codec, err := ParseCodec(codecStr)
	if err != nil {
		return nil, Codec{}, 0, fmt.Errorf("corrupt codec in target %s: %v", key, err)
	}
	return &attrs, codec, bytes, nil
}

func (s *sqliteStore) Summary(ctx context.Context, key models.TargetKey) (*TargetSummary, error) {
	db, err := s.db(key, false)
	if err != nil || db == nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open target %s: %v", key, err)
	}
	defer tx.Rollback()

	attrs, codec, bytes, err := readMeta(tx, key)
	if err != nil {
		return nil, err
	}
	if attrs == nil {
		return nil, nil
	}
	summary := &TargetSummary{Attrs: *attrs, Codec: codec, PayloadBytes: bytes}

	rows, err := tx.QueryContext(ctx, `SELECT patient_id, gender, age_category FROM patients ORDER BY patient_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list patients: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p PatientSummary
		if err := rows.Scan(&p.Patient.ID, &p.Patient.Gender, &p.Patient.AgeCategory); err != nil {
			return nil, fmt.Errorf("failed to read patient row: %v", err)
		}
		summary.Patients = append(summary.Patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list patients: %v", err)
	}

	for i := range summary.Patients {
		p := &summary.Patients[i]
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks WHERE patient_id = ?`,
			p.Patient.ID).Scan(&p.Blocks); err != nil {
			return nil, fmt.Errorf("failed to count blocks: %v", err)
		}
		srcRows, err := tx.QueryContext(ctx, `SELECT path, sha256 FROM sources WHERE patient_id = ? ORDER BY ordinal`,
			p.Patient.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list sources: %v", err)
		}
		for srcRows.Next() {
			var src models.Source
			if err := srcRows.Scan(&src.Path, &src.SHA256); err != nil {
				srcRows.Close()
				return nil, fmt.Errorf("failed to read source row: %v", err)
			}
			p.Sources = append(p.Sources, src)
		}
		srcRows.Close()
		if err := srcRows.Err(); err != nil {
			return nil, fmt.Errorf("failed to list sources: %v", err)
		}
	}

	return summary, nil
}

func (s *sqliteStore) ReadBlocks(ctx context.Context, key models.TargetKey, patientID string) ([][][]float32, error) {
	db, err := s.db(key, false)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, fmt.Errorf("target %s does not exist", key)
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open target %s: %v", key, err)
	}
	defer tx.Rollback()

	attrs, codec, _, err := readMeta(tx, key)
	if err != nil {
		return nil, err
	}
	if attrs == nil {
		return nil, fmt.Errorf("target %s does not exist", key)
	}

	rows, err := tx.QueryContext(ctx, `SELECT b.payload FROM blocks b
		JOIN sources s ON s.id = b.source_id
		WHERE b.patient_id = ? ORDER BY s.ordinal, b.seq`, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to read blocks: %v", err)
	}
	defer rows.Close()

	var out [][][]float32
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to read block row: %v", err)
		}
		data, err := codec.Decode(payload, len(attrs.ChannelNames), attrs.BlockSamples)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for key, db := range s.open {
		if err := db.Close(); err != nil && first == nil {
			first = fmt.Errorf("failed to close target %s: %v", key, err)
		}
		delete(s.open, key)
	}
	return first
}

package dataset

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"eeg-pipeline/models"
)

// mongoStore is the alternative backend. Blocks are staged as ordinary
// documents first, tagged with a per-commit generation id; the commit
// point is the single patient-document update that puts that
// generation into the ingested list, so a crash mid-commit leaves only
// unreferenced staged blocks, which are swept on the next open. Reads
// only follow the ingested list, keeping staged-but-uncommitted data
// invisible. An overwrite stages the new generation alongside the old
// one and swaps the ledger entry in one update, so either generation
// is fully visible at every instant.
type mongoStore struct {
	cfg    Config
	client *mongo.Client
	db     *mongo.Database
}

type mongoTargetDoc struct {
	Key          string   `bson:"_id"`
	Diagnosis    string   `bson:"diagnosis"`
	Label        string   `bson:"label"`
	SamplingRate float64  `bson:"samplingRate"`
	ChannelNames []string `bson:"channelNames"`
	BlockSamples int      `bson:"blockSamples"`
	Codec        string   `bson:"codec"`
	PayloadBytes int64    `bson:"payloadBytes"`
}

type mongoPatientDoc struct {
	ID          string            `bson:"_id"` // "<target>|<patient>"
	Target      string            `bson:"target"`
	PatientID   string            `bson:"patientId"`
	Gender      string            `bson:"gender"`
	AgeCategory string            `bson:"ageCategory"`
	Sources     []mongoSourceItem `bson:"sources"`
}

type mongoSourceItem struct {
	Path   string `bson:"path"`
	SHA256 string `bson:"sha256"`
	Gen    string `bson:"gen"`   // generation id of the committed blocks
	Bytes  int64  `bson:"bytes"` // compressed payload of this generation
}

type mongoBlockDoc struct {
	Target    string `bson:"target"`
	PatientID string `bson:"patientId"`
	SourceSHA string `bson:"sourceSha"`
	Gen       string `bson:"gen"`
	Seq       int    `bson:"seq"`
	Payload   []byte `bson:"payload"`
}

func newMongoStore(cfg Config) (*mongoStore, error) {
	if cfg.MongoURI == "" || cfg.MongoDatabase == "" {
		return nil, fmt.Errorf("mongo backend needs a URI and database name")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to reach MongoDB: %v", err)
	}

	s := &mongoStore{cfg: cfg, client: client, db: client.Database(cfg.MongoDatabase)}
	if err := s.sweepStaged(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// sweepStaged removes block documents whose source never reached a
// patient's ingested list, i.e. leftovers of an interrupted commit.
func (s *mongoStore) sweepStaged(ctx context.Context) error {
	cur, err := s.db.Collection("patients").Find(ctx, bson.M{})
	if err != nil {
		return fmt.Errorf("failed to scan patient groups: %v", err)
	}
	defer cur.Close(ctx)

	committed := make(map[string]map[string]bool) // "<target>|<patient>" -> "sha|gen" set
	for cur.Next(ctx) {
		var p mongoPatientDoc
		if err := cur.Decode(&p); err != nil {
			return fmt.Errorf("failed to decode patient group: %v", err)
		}
		gens := make(map[string]bool, len(p.Sources))
		for _, src := range p.Sources {
			gens[src.SHA256+"|"+src.Gen] = true
		}
		committed[p.ID] = gens
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("failed to scan patient groups: %v", err)
	}

	blockCur, err := s.db.Collection("blocks").Find(ctx, bson.M{},
		options.Find().SetProjection(bson.M{"target": 1, "patientId": 1, "sourceSha": 1, "gen": 1}))
	if err != nil {
		return fmt.Errorf("failed to scan blocks: %v", err)
	}
	defer blockCur.Close(ctx)

	type blockRef struct{ target, patient, sha, gen string }
	stale := make(map[blockRef]bool)
	for blockCur.Next(ctx) {
		var b mongoBlockDoc
		if err := blockCur.Decode(&b); err != nil {
			return fmt.Errorf("failed to decode block: %v", err)
		}
		key := b.Target + "|" + b.PatientID
		if !committed[key][b.SourceSHA+"|"+b.Gen] {
			stale[blockRef{b.Target, b.PatientID, b.SourceSHA, b.Gen}] = true
		}
	}
	if err := blockCur.Err(); err != nil {
		return fmt.Errorf("failed to scan blocks: %v", err)
	}

	for b := range stale {
		_, err := s.db.Collection("blocks").DeleteMany(ctx,
			bson.M{"target": b.target, "patientId": b.patient, "sourceSha": b.sha, "gen": b.gen})
		if err != nil {
			return fmt.Errorf("failed to sweep staged blocks: %v", err)
		}
	}
	return nil
}

func (s *mongoStore) Commit(ctx context.Context, batch Batch) (CommitStatus, error) {
	if err := validateBatch(batch); err != nil {
		return 0, err
	}

	targetKey := batch.Key.String()
	targets := s.db.Collection("targets")

	var target mongoTargetDoc
	err := targets.FindOne(ctx, bson.M{"_id": targetKey}).Decode(&target)
	switch {
	case err == mongo.ErrNoDocuments:
		target = mongoTargetDoc{
			Key:          targetKey,
			Diagnosis:    batch.Key.Diagnosis,
			Label:        batch.Key.Label,
			SamplingRate: batch.Attrs.SamplingRate,
			ChannelNames: batch.Attrs.ChannelNames,
			BlockSamples: batch.Attrs.BlockSamples,
			Codec:        s.cfg.Compression.String(),
		}
		if _, err := targets.InsertOne(ctx, target); err != nil {
			return 0, fmt.Errorf("failed to create target %s: %v", batch.Key, err)
		}
	case err != nil:
		return 0, fmt.Errorf("failed to read target %s: %v", batch.Key, err)
	default:
		attrs := models.TargetAttrs{
			SamplingRate: target.SamplingRate,
			ChannelNames: target.ChannelNames,
			BlockSamples: target.BlockSamples,
			Diagnosis:    target.Diagnosis,
			Label:        target.Label,
		}
		if !attrs.Equal(batch.Attrs) {
			return 0, &ShapeMismatchError{Key: batch.Key, Want: attrs, Got: batch.Attrs}
		}
	}

	codec, err := ParseCodec(target.Codec)
	if err != nil {
		return 0, fmt.Errorf("corrupt codec in target %s: %v", batch.Key, err)
	}

	patientDocID := targetKey + "|" + batch.Patient.ID
	patients := s.db.Collection("patients")

	var patient mongoPatientDoc
	err = patients.FindOne(ctx, bson.M{"_id": patientDocID}).Decode(&patient)
	if err != nil && err != mongo.ErrNoDocuments {
		return 0, fmt.Errorf("failed to read patient group: %v", err)
	}
	status := Committed
	var previous *mongoSourceItem
	for i, src := range patient.Sources {
		if src.SHA256 == batch.Source.SHA256 {
			if !s.cfg.OverwriteExisting {
				return AlreadyPresent, nil
			}
			previous = &patient.Sources[i]
			status = Replaced
		}
	}

	payloads, err := encodeBatch(codec, batch)
	if err != nil {
		return 0, err
	}
	newBytes := payloadSize(payloads)
	var oldBytes int64
	if previous != nil {
		oldBytes = previous.Bytes
	}
	if s.cfg.SizeLimit > 0 && target.PayloadBytes-oldBytes+newBytes > s.cfg.SizeLimit {
		return 0, &TargetFullError{Key: batch.Key, Limit: s.cfg.SizeLimit}
	}

	// stage the new generation; invisible until the ledger names its gen
	gen := uuid.NewString()
	blocks := s.db.Collection("blocks")
	docs := make([]interface{}, len(payloads))
	for seq, payload := range payloads {
		docs[seq] = mongoBlockDoc{
			Target:    targetKey,
			PatientID: batch.Patient.ID,
			SourceSHA: batch.Source.SHA256,
			Gen:       gen,
			Seq:       seq,
			Payload:   payload,
		}
	}
	if _, err := blocks.InsertMany(ctx, docs); err != nil {
		return 0, fmt.Errorf("failed to stage blocks: %v", err)
	}

	// commit point: one document update makes the staged generation
	// visible. A replace swaps the existing ledger entry in place, so
	// the old generation stays committed right up to this update.
	if previous != nil {
		_, err = patients.UpdateOne(ctx, bson.M{"_id": patientDocID},
			bson.M{"$set": bson.M{
				"gender":               batch.Patient.Gender,
				"ageCategory":          batch.Patient.AgeCategory,
				"sources.$[src].path":  batch.Source.Path,
				"sources.$[src].gen":   gen,
				"sources.$[src].bytes": newBytes,
			}},
			options.Update().SetArrayFilters(options.ArrayFilters{
				Filters: []interface{}{bson.M{"src.sha256": batch.Source.SHA256}},
			}))
	} else {
		_, err = patients.UpdateOne(ctx, bson.M{"_id": patientDocID},
			bson.M{
				"$setOnInsert": bson.M{"target": targetKey, "patientId": batch.Patient.ID},
				"$set": bson.M{
					"gender":      batch.Patient.Gender,
					"ageCategory": batch.Patient.AgeCategory,
				},
				"$push": bson.M{"sources": mongoSourceItem{
					Path: batch.Source.Path, SHA256: batch.Source.SHA256, Gen: gen, Bytes: newBytes,
				}},
			},
			options.Update().SetUpsert(true))
	}
	if err != nil {
		return 0, fmt.Errorf("failed to commit source to ledger: %v", err)
	}

	if previous != nil {
		// the old generation is unreferenced now; reclaim it, and let the
		// open-time sweep pick up whatever a crash here leaves behind
		if _, err := blocks.DeleteMany(ctx, bson.M{
			"target": targetKey, "patientId": batch.Patient.ID,
			"sourceSha": batch.Source.SHA256, "gen": previous.Gen,
		}); err != nil {
			return 0, fmt.Errorf("failed to reclaim previous contribution: %v", err)
		}
	}

	if _, err := targets.UpdateOne(ctx, bson.M{"_id": targetKey},
		bson.M{"$inc": bson.M{"payloadBytes": newBytes - oldBytes}}); err != nil {
		return 0, fmt.Errorf("failed to update payload accounting: %v", err)
	}

	return status, nil
}

func (s *mongoStore) Summary(ctx context.Context, key models.TargetKey) (*TargetSummary, error) {
	var target mongoTargetDoc
	err := s.db.Collection("targets").FindOne(ctx, bson.M{"_id": key.String()}).Decode(&target)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read target %s: %v", key, err)
	}

	codec, err := ParseCodec(target.Codec)
	if err != nil {
		return nil, fmt.Errorf("corrupt codec in target %s: %v", key, err)
	}
	summary := &TargetSummary{
		Attrs: models.TargetAttrs{
			SamplingRate: target.SamplingRate,
			ChannelNames: target.ChannelNames,
			BlockSamples: target.BlockSamples,
			Diagnosis:    target.Diagnosis,
			Label:        target.Label,
		},
		Codec:        codec,
		PayloadBytes: target.PayloadBytes,
	}

	cur, err := s.db.Collection("patients").Find(ctx, bson.M{"target": key.String()},
		options.Find().SetSort(bson.M{"patientId": 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to list patients: %v", err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var p mongoPatientDoc
		if err := cur.Decode(&p); err != nil {
			return nil, fmt.Errorf("failed to decode patient group: %v", err)
		}
		ps := PatientSummary{
			Patient: models.Patient{ID: p.PatientID, Gender: p.Gender, AgeCategory: p.AgeCategory},
		}
		for _, src := range p.Sources {
			ps.Sources = append(ps.Sources, models.Source{Path: src.Path, SHA256: src.SHA256})
			n, err := s.db.Collection("blocks").CountDocuments(ctx, bson.M{
				"target": key.String(), "patientId": p.PatientID, "sourceSha": src.SHA256, "gen": src.Gen,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to count blocks: %v", err)
			}
			ps.Blocks += int(n)
		}
		summary.Patients = append(summary.Patients, ps)
	}
	return summary, cur.Err()
}

func (s *mongoStore) ReadBlocks(ctx context.Context, key models.TargetKey, patientID string) ([][][]float32, error) {
	var target mongoTargetDoc
	err := s.db.Collection("targets").FindOne(ctx, bson.M{"_id": key.String()}).Decode(&target)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("target %s does not exist", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read target %s: %v", key, err)
	}
	codec, err := ParseCodec(target.Codec)
	if err != nil {
		return nil, fmt.Errorf("corrupt codec in target %s: %v", key, err)
	}

	var patient mongoPatientDoc
	err = s.db.Collection("patients").FindOne(ctx, bson.M{"_id": key.String() + "|" + patientID}).Decode(&patient)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read patient group: %v", err)
	}

	var out [][][]float32
	for _, src := range patient.Sources {
		cur, err := s.db.Collection("blocks").Find(ctx, bson.M{
			"target": key.String(), "patientId": patientID, "sourceSha": src.SHA256, "gen": src.Gen,
		}, options.Find().SetSort(bson.M{"seq": 1}))
		if err != nil {
			return nil, fmt.Errorf("failed to read blocks: %v", err)
		}
		for cur.Next(ctx) {
			var b mongoBlockDoc
			if err := cur.Decode(&b); err != nil {
				cur.Close(ctx)
				return nil, fmt.Errorf("failed to decode block: %v", err)
			}
			data, err := codec.Decode(b.Payload, len(target.ChannelNames), target.BlockSamples)
			if err != nil {
				cur.Close(ctx)
				return nil, err
			}
			out = append(out, data)
		}
		if err := cur.Err(); err != nil {
			cur.Close(ctx)
			return nil, fmt.Errorf("failed to read blocks: %v", err)
		}
		cur.Close(ctx)
	}
	return out, nil
}

func (s *mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

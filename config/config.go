// Package config loads and validates the run configuration: a YAML
// file with defaults for every section, plus environment overrides for
// deployment-specific values. Validation failures are fatal at
// startup, before any file is processed.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"eeg-pipeline/block"
	"eeg-pipeline/dataset"
	"eeg-pipeline/preprocess"
	"eeg-pipeline/segment"
	"eeg-pipeline/utils"
)

// Config is the full recognized option set.
type Config struct {
	Logging      Logging      `yaml:"logging"`
	Processing   Processing   `yaml:"processing"`
	Segmentation Segmentation `yaml:"segmentation"`
	Blocks       Blocks       `yaml:"blocks"`
	Dataset      Dataset      `yaml:"dataset"`
	Runtime      Runtime      `yaml:"runtime"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Processing struct {
	TrimSeconds      float64   `yaml:"trim_seconds"`
	BandpassRange    []float64 `yaml:"bandpass_range"` // [lo, hi] Hz
	NotchFrequencies []float64 `yaml:"notch_frequencies"`
	OutlierSigma     float64   `yaml:"outlier_sigma"`
	Artifact         Artifact  `yaml:"artifact"`
}

type Artifact struct {
	Enabled       bool    `yaml:"enabled"`
	CorrThreshold float64 `yaml:"corr_threshold"`
	KurtThreshold float64 `yaml:"kurt_threshold"`
	VarianceKeep  float64 `yaml:"variance_keep"`
	MaxIter       int     `yaml:"max_iter"`
	Tolerance     float64 `yaml:"tolerance"`
}

type Segmentation struct {
	MinSegmentDuration float64           `yaml:"min_segment_duration"`
	LabelTranslations  map[string]string `yaml:"label_translations"`
	ExcludedLabels     []string          `yaml:"excluded_labels"`
}

type Blocks struct {
	BlockLength float64 `yaml:"block_length"` // seconds
	Stride      float64 `yaml:"stride"`       // seconds, 0 = block_length
}

type Compression struct {
	Algorithm string `yaml:"algorithm"`
	Level     int    `yaml:"level"`
}

type Dataset struct {
	Backend           string      `yaml:"backend"`
	Root              string      `yaml:"root"`
	MongoURI          string      `yaml:"mongo_uri"`
	MongoDatabase     string      `yaml:"mongo_database"`
	Compression       Compression `yaml:"compression"`
	OverwriteExisting bool        `yaml:"overwrite_existing"`
	SizeLimit         int64       `yaml:"size_limit"` // bytes, 0 = unlimited
}

type Runtime struct {
	Workers  int `yaml:"workers"`   // 0 = NumCPU/2
	MaxFiles int `yaml:"max_files"` // 0 = unlimited
}

// defaultTranslations maps the source hardware's annotation strings
// onto the canonical label set. Canonical labels are fixed points even
// without an entry here.
var defaultTranslations = map[string]string{
	"Фоновая запись":           "Baseline",
	"Открывание глаз":          "EyesOpen",
	"Закрывание глаз":          "EyesClosed",
	"Фотостимуляция":           "PhoticStim",
	"Гипервентиляция":          "Hypervent",
	"После фотостимуляции":     "PostStim",
	"После гипервентиляции":    "PostStim",
	"Без стимуляции":           "PostStim",
	"Остановка стимуляции":     "PostStim",
}

// defaultExcluded lists the technical markers that never become
// segments: stimulator pulses, print marks, and clinical findings
// annotated by the reviewing physician.
var defaultExcluded = []string{
	"stimFlash", "stimAudio",
	"Артефакт",
	"Начало печати", "Окончание печати",
	"Эпилептиформная активность",
	"Комплекс \"острая волна - медленная волна\"",
	"Множественные спайки и острые волны",
	"Разрыв записи",
	"Встроенный фотостимулятор",
	"Встроенный слуховой стимулятор",
	"Бодрствование",
}

// Default returns the built-in configuration, matching the clinical
// protocol the pipeline was tuned for.
func Default() Config {
	return Config{
		Logging: Logging{Level: "info", Format: "text"},
		Processing: Processing{
			TrimSeconds:      5,
			BandpassRange:    []float64{0.5, 45},
			NotchFrequencies: []float64{50},
			OutlierSigma:     3,
			Artifact: Artifact{
				Enabled:       true,
				CorrThreshold: 0.8,
				KurtThreshold: 10,
				VarianceKeep:  0.999,
				MaxIter:       200,
				Tolerance:     1e-4,
			},
		},
		Segmentation: Segmentation{
			MinSegmentDuration: 5,
			LabelTranslations:  copyMap(defaultTranslations),
			ExcludedLabels:     append([]string(nil), defaultExcluded...),
		},
		Blocks: Blocks{BlockLength: 5},
		Dataset: Dataset{
			Backend:     "sqlite",
			Root:        "dataset",
			Compression: Compression{Algorithm: "gzip", Level: 6},
		},
		Runtime: Runtime{},
	}
}

// Load reads a YAML file over the defaults and applies environment
// overrides. An empty path keeps the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %v", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %v", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets deployment values override the file: storage location
// and credentials stay out of checked-in configs.
func (c *Config) applyEnv() {
	c.Logging.Level = utils.GetEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = utils.GetEnv("LOG_FORMAT", c.Logging.Format)
	c.Dataset.Backend = utils.GetEnv("DATASET_BACKEND", c.Dataset.Backend)
	c.Dataset.Root = utils.GetEnv("DATASET_ROOT", c.Dataset.Root)
	c.Dataset.MongoURI = utils.GetEnv("MONGO_URI", c.Dataset.MongoURI)
	c.Dataset.MongoDatabase = utils.GetEnv("MONGO_DATABASE", c.Dataset.MongoDatabase)
	if v, err := strconv.Atoi(utils.GetEnv("PIPELINE_WORKERS", "")); err == nil && v > 0 {
		c.Runtime.Workers = v
	}
}

// Validate rejects configurations the pipeline cannot run with. All
// violations are fatal before any file is touched.
func (c *Config) Validate() error {
	p := c.Processing
	if p.TrimSeconds < 0 {
		return fmt.Errorf("processing.trim_seconds must not be negative")
	}
	if len(p.BandpassRange) != 2 {
		return fmt.Errorf("processing.bandpass_range must be [low, high]")
	}
	if p.BandpassRange[0] < 0 || p.BandpassRange[1] <= p.BandpassRange[0] {
		return fmt.Errorf("processing.bandpass_range %v is not an increasing non-negative pair", p.BandpassRange)
	}
	for _, f := range p.NotchFrequencies {
		if f <= 0 {
			return fmt.Errorf("processing.notch_frequencies must be positive, got %g", f)
		}
	}
	if p.OutlierSigma < 0 {
		return fmt.Errorf("processing.outlier_sigma must not be negative")
	}
	if p.Artifact.Enabled {
		if p.Artifact.CorrThreshold <= 0 || p.Artifact.CorrThreshold > 1 {
			return fmt.Errorf("processing.artifact.corr_threshold must be in (0, 1]")
		}
		if p.Artifact.MaxIter <= 0 {
			return fmt.Errorf("processing.artifact.max_iter must be positive")
		}
		if p.Artifact.Tolerance <= 0 {
			return fmt.Errorf("processing.artifact.tolerance must be positive")
		}
	}

	if c.Segmentation.MinSegmentDuration < 0 {
		return fmt.Errorf("segmentation.min_segment_duration must not be negative")
	}
	canonical := make(map[string]bool, len(segment.CanonicalLabels))
	for _, l := range segment.CanonicalLabels {
		canonical[l] = true
	}
	for raw, to := range c.Segmentation.LabelTranslations {
		if !canonical[to] {
			return fmt.Errorf("segmentation.label_translations maps %q to unknown canonical label %q", raw, to)
		}
	}

	if c.Blocks.BlockLength <= 0 {
		return fmt.Errorf("blocks.block_length must be positive")
	}
	if c.Blocks.Stride < 0 {
		return fmt.Errorf("blocks.stride must not be negative")
	}

	switch c.Dataset.Backend {
	case "sqlite":
		if c.Dataset.Root == "" {
			return fmt.Errorf("dataset.root is required for the sqlite backend")
		}
	case "mongo":
		if c.Dataset.MongoURI == "" || c.Dataset.MongoDatabase == "" {
			return fmt.Errorf("dataset.mongo_uri and dataset.mongo_database are required for the mongo backend")
		}
	default:
		return fmt.Errorf("dataset.backend must be sqlite or mongo, got %q", c.Dataset.Backend)
	}
	if c.Dataset.SizeLimit < 0 {
		return fmt.Errorf("dataset.size_limit must not be negative")
	}
	codec := dataset.Codec{Algorithm: c.Dataset.Compression.Algorithm, Level: c.Dataset.Compression.Level}
	if err := codec.Validate(); err != nil {
		return fmt.Errorf("dataset.compression: %v", err)
	}

	if c.Runtime.Workers < 0 {
		return fmt.Errorf("runtime.workers must not be negative")
	}
	if c.Runtime.MaxFiles < 0 {
		return fmt.Errorf("runtime.max_files must not be negative")
	}
	return nil
}

// PreprocessConfig binds the processing section to the preprocessor.
func (c *Config) PreprocessConfig() preprocess.Config {
	return preprocess.Config{
		TrimSeconds:      c.Processing.TrimSeconds,
		BandpassLow:      c.Processing.BandpassRange[0],
		BandpassHigh:     c.Processing.BandpassRange[1],
		NotchFrequencies: c.Processing.NotchFrequencies,
		OutlierSigma:     c.Processing.OutlierSigma,
		Artifact: preprocess.ArtifactConfig{
			Enabled:       c.Processing.Artifact.Enabled,
			CorrThreshold: c.Processing.Artifact.CorrThreshold,
			KurtThreshold: c.Processing.Artifact.KurtThreshold,
			VarianceKeep:  c.Processing.Artifact.VarianceKeep,
			MaxIter:       c.Processing.Artifact.MaxIter,
			Tolerance:     c.Processing.Artifact.Tolerance,
		},
	}
}

// BlockConfig binds the blocks section to the block generator.
func (c *Config) BlockConfig() block.Config {
	return block.Config{BlockLength: c.Blocks.BlockLength, Stride: c.Blocks.Stride}
}

// DatasetConfig binds the dataset section to the store.
func (c *Config) DatasetConfig() dataset.Config {
	return dataset.Config{
		Backend:       c.Dataset.Backend,
		Root:          c.Dataset.Root,
		MongoURI:      c.Dataset.MongoURI,
		MongoDatabase: c.Dataset.MongoDatabase,
		Compression: dataset.Codec{
			Algorithm: c.Dataset.Compression.Algorithm,
			Level:     c.Dataset.Compression.Level,
		},
		OverwriteExisting: c.Dataset.OverwriteExisting,
		SizeLimit:         c.Dataset.SizeLimit,
	}
}

// SegmentConfig binds the segmentation section to the segmentor.
func (c *Config) SegmentConfig() segment.Config {
	excluded := make(map[string]bool, len(c.Segmentation.ExcludedLabels))
	for _, l := range c.Segmentation.ExcludedLabels {
		excluded[l] = true
	}
	return segment.Config{
		MinSegmentDuration: c.Segmentation.MinSegmentDuration,
		Translations:       c.Segmentation.LabelTranslations,
		Excluded:           excluded,
	}
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

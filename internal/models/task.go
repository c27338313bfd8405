package models

import "time"

// Task type names, as routed by the broker.
const (
	TaskPreprocess = "preprocess-task"
	TaskASR        = "asr-task"
	TaskComplete   = "asr-complete-task"
)

// PreprocessTask asks a preprocess worker to segment a job and dispatch its chunks.
type PreprocessTask struct {
	Request JobRequest `json:"request"`
}

// AsrTask is one chunk unit, tagged with (OperationName, ChunkIndex).
type AsrTask struct {
	OperationName string        `json:"operation_name"`
	ChunkIndex    int           `json:"chunk_index"`
	ChunkCount    int           `json:"chunk_count"`
	LanguageCode  string        `json:"language_code"`
	Audio         []byte        `json:"audio"`
	Offset        time.Duration `json:"offset"`
	Duration      time.Duration `json:"duration"`
}

// Chunk rebuilds the chunk carried by the task.
func (t AsrTask) Chunk() Chunk {
	return Chunk{
		JobID:    t.OperationName,
		Index:    t.ChunkIndex,
		Audio:    t.Audio,
		Offset:   t.Offset,
		Duration: t.Duration,
	}
}

// CompleteTask is the completion notification of a job.
type CompleteTask = Response

// DecodeOptions are the lattice decoder parameters of a language model.
type DecodeOptions struct {
	Beam                   float64 `yaml:"beam" json:"beam"`
	MaxActive              int     `yaml:"max_active" json:"max_active"`
	MinActive              int     `yaml:"min_active" json:"min_active"`
	LatticeBeam            float64 `yaml:"lattice_beam" json:"lattice_beam"`
	AcousticScale          float64 `yaml:"acoustic_scale" json:"acoustic_scale"`
	FrameSubsamplingFactor int     `yaml:"frame_subsampling_factor" json:"frame_subsampling_factor"`
}

// DefaultDecodeOptions returns the decoding parameters used for every shipped model.
func DefaultDecodeOptions() DecodeOptions {
	return DecodeOptions{
		Beam:                   13.0,
		MaxActive:              7000,
		MinActive:              200,
		LatticeBeam:            6.0,
		AcousticScale:          1.0,
		FrameSubsamplingFactor: 3,
	}
}

// ModelConfig is the static per-language model configuration.
type ModelConfig struct {
	WordSymsFilename string        `yaml:"word_syms_filename" json:"word_syms_filename"`
	ModelFilename    string        `yaml:"model_in_filename" json:"model_in_filename"`
	GraphFilename    string        `yaml:"fst_in_str" json:"fst_in_str"`
	MFCCConfig       string        `yaml:"mfcc_config" json:"mfcc_config"`
	IVectorConfig    string        `yaml:"ie_conf_filename,omitempty" json:"ie_conf_filename,omitempty"`
	ProviderLanguage string        `yaml:"provider_language,omitempty" json:"provider_language,omitempty"`
	Decode           DecodeOptions `yaml:"decode" json:"decode"`
}

// Files returns the model artifact paths that must exist, and the optional ones.
func (c ModelConfig) Files() (required, optional []string) {
	required = []string{c.WordSymsFilename, c.ModelFilename, c.GraphFilename, c.MFCCConfig}
	if c.IVectorConfig != "" {
		optional = append(optional, c.IVectorConfig)
	}
	return required, optional
}

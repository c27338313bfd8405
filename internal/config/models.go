package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.yaml.in/yaml/v2"

	"kaldi-serve/internal/models"
)

// Languages maps a language code to its model configuration.
type Languages map[string]models.ModelConfig

// Lookup returns the model configuration for lang.
func (l Languages) Lookup(lang string) (models.ModelConfig, bool) {
	cfg, ok := l[lang]
	return cfg, ok
}

// Codes returns the configured language codes, sorted.
func (l Languages) Codes() []string {
	codes := make([]string, 0, len(l))
	for code := range l {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

type modelsFile struct {
	Languages map[string]models.ModelConfig `yaml:"languages"`
}

// DefaultLanguages returns the shipped English and Hindi chain models rooted at dir.
func DefaultLanguages(dir string) Languages {
	model := func(root, providerLang string) models.ModelConfig {
		return models.ModelConfig{
			WordSymsFilename: filepath.Join(dir, root, "exp/chain/tree_a_sp/graph/words.txt"),
			ModelFilename:    filepath.Join(dir, root, "exp/chain/tdnn1g_sp_online/final.mdl"),
			GraphFilename:    filepath.Join(dir, root, "exp/chain/tree_a_sp/graph/HCLG.fst"),
			MFCCConfig:       filepath.Join(dir, root, "exp/chain/tdnn1g_sp_online/conf/mfcc.conf"),
			IVectorConfig:    filepath.Join(dir, root, "exp/chain/tdnn1g_sp_online/conf/ivector_extractor.conf"),
			ProviderLanguage: providerLang,
			Decode:           models.DefaultDecodeOptions(),
		}
	}
	return Languages{
		"en": model("english/s5", "en-US"),
		"hi": model("hindi", "hi-IN"),
	}
}

// LoadModels reads per-language model configs from a YAML file. Relative
// artifact paths are resolved against dir, and unset decode options take
// the defaults. An empty path returns DefaultLanguages(dir).
func LoadModels(path, dir string) (Languages, error) {
	if path == "" {
		return DefaultLanguages(dir), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read models config: %w", err)
	}

	var f modelsFile
	if err := yaml.UnmarshalStrict(raw, &f); err != nil {
		return nil, fmt.Errorf("parse models config %s: %w", path, err)
	}
	if len(f.Languages) == 0 {
		return nil, fmt.Errorf("models config %s: no languages", path)
	}

	langs := make(Languages, len(f.Languages))
	for code, cfg := range f.Languages {
		if cfg.WordSymsFilename == "" || cfg.ModelFilename == "" || cfg.GraphFilename == "" || cfg.MFCCConfig == "" {
			return nil, fmt.Errorf("models config %s: language %q is missing a required model path", path, code)
		}
		cfg.WordSymsFilename = resolve(dir, cfg.WordSymsFilename)
		cfg.ModelFilename = resolve(dir, cfg.ModelFilename)
		cfg.GraphFilename = resolve(dir, cfg.GraphFilename)
		cfg.MFCCConfig = resolve(dir, cfg.MFCCConfig)
		if cfg.IVectorConfig != "" {
			cfg.IVectorConfig = resolve(dir, cfg.IVectorConfig)
		}
		if cfg.Decode == (models.DecodeOptions{}) {
			cfg.Decode = models.DefaultDecodeOptions()
		}
		langs[code] = cfg
	}
	return langs, nil
}

func resolve(dir, p string) string {
	if filepath.IsAbs(p) || dir == "" {
		return p
	}
	return filepath.Join(dir, p)
}

package quarrykv

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Logger receives teardown reports and engine diagnostics. Any
// implementation with these four methods can be injected through
// DbOpts.Logger; it must be safe for concurrent use.
type Logger interface {
	Errorf(format string, args ...any)
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)
}

// DbOpts is the flat configuration record consumed by Open. Every field
// has a safe zero value; the record is read exactly once during open and
// never retained.
type DbOpts struct {
	// Path is the store's directory.
	Path string `yaml:"path"`

	CreateIfMissing bool `yaml:"create_if_missing"`
	ParanoidChecks  bool `yaml:"paranoid_checks"`

	// DestroyOnExit deletes everything at Path when the handle closes.
	DestroyOnExit bool `yaml:"destroy_on_exit"`

	PrepareForBulkLoad           bool `yaml:"prepare_for_bulk_load"`
	OptimizeLevelStyleCompaction bool `yaml:"optimize_level_style_compaction"`

	// IncreaseParallelism resizes the background thread budgets when
	// greater than zero.
	IncreaseParallelism int `yaml:"increase_parallelism"`

	EnableBlobFiles             bool  `yaml:"enable_blob_files"`
	MinBlobSize                 int   `yaml:"min_blob_size"`
	BlobFileSize                int64 `yaml:"blob_file_size"`
	EnableBlobGarbageCollection bool  `yaml:"enable_blob_garbage_collection"`

	UseBloomFilter               bool `yaml:"use_bloom_filter"`
	BloomFilterBitsPerKey        int  `yaml:"bloom_filter_bits_per_key"`
	BloomFilterWholeKeyFiltering bool `yaml:"bloom_filter_whole_key_filtering"`

	PriUseCappedPrefixExtractor bool `yaml:"pri_use_capped_prefix_extractor"`
	PriCappedPrefixLen          int  `yaml:"pri_capped_prefix_len"`
	PriUseFixedPrefixExtractor  bool `yaml:"pri_use_fixed_prefix_extractor"`
	PriFixedPrefixLen           int  `yaml:"pri_fixed_prefix_len"`

	SndUseCappedPrefixExtractor bool `yaml:"snd_use_capped_prefix_extractor"`
	SndCappedPrefixLen          int  `yaml:"snd_capped_prefix_len"`
	SndUseFixedPrefixExtractor  bool `yaml:"snd_use_fixed_prefix_extractor"`
	SndFixedPrefixLen           int  `yaml:"snd_fixed_prefix_len"`

	// Comparator identity, used only when custom comparators are passed
	// to OpenWithComparators. The name is an on-disk identity token; the
	// tolerance flags declare that the comparator may report two
	// byte-wise different keys as equal.
	PriComparatorName                string `yaml:"pri_comparator_name"`
	PriComparatorDifferentBytesEqual bool   `yaml:"pri_comparator_different_bytes_equal"`
	SndComparatorName                string `yaml:"snd_comparator_name"`
	SndComparatorDifferentBytesEqual bool   `yaml:"snd_comparator_different_bytes_equal"`

	// Logger is the injectable diagnostics sink. Nil logs warnings and
	// errors to stderr.
	Logger Logger `yaml:"-"`
}

// LoadDbOpts reads a DbOpts record from a YAML file.
func LoadDbOpts(path string) (DbOpts, error) {
	var opts DbOpts
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("quarrykv: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("quarrykv: parse config %s: %w", path, err)
	}
	return opts, nil
}

package quarrykv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDbOpts(t *testing.T) {
	doc := `
path: /var/lib/quarry
create_if_missing: true
paranoid_checks: true
destroy_on_exit: false
prepare_for_bulk_load: true
optimize_level_style_compaction: true
increase_parallelism: 8
enable_blob_files: true
min_blob_size: 4096
blob_file_size: 268435456
enable_blob_garbage_collection: true
use_bloom_filter: true
bloom_filter_bits_per_key: 10
bloom_filter_whole_key_filtering: true
pri_use_capped_prefix_extractor: true
pri_capped_prefix_len: 9
snd_use_fixed_prefix_extractor: true
snd_fixed_prefix_len: 4
pri_comparator_name: app.PrimaryOrder
pri_comparator_different_bytes_equal: true
`
	path := filepath.Join(t.TempDir(), "opts.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	opts, err := LoadDbOpts(path)
	if err != nil {
		t.Fatalf("LoadDbOpts: %v", err)
	}
	if opts.Path != "/var/lib/quarry" {
		t.Errorf("Path = %q", opts.Path)
	}
	if !opts.CreateIfMissing || !opts.ParanoidChecks || opts.DestroyOnExit {
		t.Errorf("flags = %+v", opts)
	}
	if !opts.PrepareForBulkLoad || !opts.OptimizeLevelStyleCompaction || opts.IncreaseParallelism != 8 {
		t.Errorf("tuning fields = %+v", opts)
	}
	if !opts.EnableBlobFiles || opts.MinBlobSize != 4096 || opts.BlobFileSize != 268435456 || !opts.EnableBlobGarbageCollection {
		t.Errorf("blob fields = %+v", opts)
	}
	if !opts.UseBloomFilter || opts.BloomFilterBitsPerKey != 10 || !opts.BloomFilterWholeKeyFiltering {
		t.Errorf("bloom fields = %+v", opts)
	}
	if !opts.PriUseCappedPrefixExtractor || opts.PriCappedPrefixLen != 9 {
		t.Errorf("primary prefix fields = %+v", opts)
	}
	if !opts.SndUseFixedPrefixExtractor || opts.SndFixedPrefixLen != 4 {
		t.Errorf("relation prefix fields = %+v", opts)
	}
	if opts.PriComparatorName != "app.PrimaryOrder" || !opts.PriComparatorDifferentBytesEqual {
		t.Errorf("comparator fields = %+v", opts)
	}
}

func TestLoadDbOptsMissingFile(t *testing.T) {
	if _, err := LoadDbOpts(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("LoadDbOpts on a missing file succeeded")
	}
}

func TestLoadDbOptsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opts.yaml")
	if err := os.WriteFile(path, []byte("path: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDbOpts(path); err == nil {
		t.Fatal("LoadDbOpts on malformed YAML succeeded")
	}
}

package loam

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/loamdb/loam/compression"
	"github.com/loamdb/loam/skl"
)

// Options configures a DB. Use DefaultOptions as the base and adjust;
// zero values are generally not valid.
type Options struct {
	// Dir is the directory holding all files. Required.
	Dir string `yaml:"dir"`

	// MemTableSize is the arena budget of one memtable. A memtable is
	// rotated out and flushed once its arena reaches this size.
	MemTableSize int64 `yaml:"memtable_size"`

	// NumMemtables bounds immutable memtables waiting for flush
	// before writes stall.
	NumMemtables int `yaml:"num_memtables"`

	// MaxLevels is the depth of the LSM tree.
	MaxLevels int `yaml:"max_levels"`

	// NumLevelZeroTables is the L0 table count that makes L0 the top
	// compaction priority.
	NumLevelZeroTables int `yaml:"num_level_zero_tables"`

	// NumLevelZeroTablesStall is the L0 table count at which new
	// writes block until compaction catches up.
	NumLevelZeroTablesStall int `yaml:"num_level_zero_tables_stall"`

	// BaseTableSize is the target file size at the base level.
	// Deeper levels multiply it by TableSizeMultiplier.
	BaseTableSize int64 `yaml:"base_table_size"`

	// BaseLevelSize is the total-size target of the base level.
	BaseLevelSize int64 `yaml:"base_level_size"`

	// LevelSizeMultiplier is the total-size ratio between adjacent
	// levels.
	LevelSizeMultiplier int `yaml:"level_size_multiplier"`

	// TableSizeMultiplier is the file-size ratio between adjacent
	// levels below the base level.
	TableSizeMultiplier int `yaml:"table_size_multiplier"`

	// NumCompactors is the number of compaction workers. Worker 0 is
	// reserved for L0 work.
	NumCompactors int `yaml:"num_compactors"`

	// NumVersionsToKeep is how many versions of a key survive
	// compaction above the discard timestamp.
	NumVersionsToKeep int `yaml:"num_versions_to_keep"`

	// ValueThreshold is the value size at or above which values move
	// to the value log, leaving a pointer in the tree. The threshold
	// is fixed for the lifetime of the handle; it is never adjusted
	// from observed value sizes.
	ValueThreshold int64 `yaml:"value_threshold"`

	// ValueLogFileSize is the rollover target of one value log
	// segment. A single entry larger than this is rejected.
	ValueLogFileSize int64 `yaml:"value_log_file_size"`

	// ValueLogMaxEntries caps entries per segment.
	ValueLogMaxEntries uint32 `yaml:"value_log_max_entries"`

	// BlockSize is the uncompressed SSTable block target.
	BlockSize int `yaml:"block_size"`

	// BloomFalsePositive tunes table bloom filters. Zero disables.
	BloomFalsePositive float64 `yaml:"bloom_false_positive"`

	// BlockCacheSize bounds the decoded-block cache in bytes. Zero
	// disables the cache.
	BlockCacheSize int64 `yaml:"block_cache_size"`

	// Compression is the codec for table blocks.
	Compression compression.Type `yaml:"compression"`

	// EncryptionKey enables at-rest AES encryption when non-empty.
	// Never read from config files.
	EncryptionKey []byte `yaml:"-"`

	// EncryptionKeyID names the key in file headers and the manifest.
	EncryptionKeyID uint64 `yaml:"encryption_key_id"`

	// SyncWrites fsyncs the write-ahead log on every commit.
	SyncWrites bool `yaml:"sync_writes"`

	// DetectConflicts enables serializable-snapshot conflict checks
	// on commit.
	DetectConflicts bool `yaml:"detect_conflicts"`

	// Logger receives structured engine logs. Defaults to a text
	// handler at Info level.
	Logger *slog.Logger `yaml:"-"`

	// Derived batch limits, fixed by Validate.
	maxBatchCount int64
	maxBatchSize  int64
}

// DefaultOptions returns a sensible configuration for dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                     dir,
		MemTableSize:            64 << 20,
		NumMemtables:            5,
		MaxLevels:               7,
		NumLevelZeroTables:      5,
		NumLevelZeroTablesStall: 15,
		BaseTableSize:           2 << 20,
		BaseLevelSize:           10 << 20,
		LevelSizeMultiplier:     10,
		TableSizeMultiplier:     2,
		NumCompactors:           4,
		NumVersionsToKeep:       1,
		ValueThreshold:          1 << 20,
		ValueLogFileSize:        1<<30 - 1,
		ValueLogMaxEntries:      1000000,
		BlockSize:               4 * 1024,
		BloomFalsePositive:      0.01,
		BlockCacheSize:          256 << 20,
		Compression:             compression.Snappy,
		DetectConflicts:         true,
		Logger:                  DefaultLogger(slog.LevelInfo),
	}
}

// OptionsFromFile loads YAML overrides on top of DefaultOptions(dir).
func OptionsFromFile(dir, path string) (Options, error) {
	opts := DefaultOptions(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read options file: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse options file: %w", err)
	}
	if opts.Dir == "" {
		opts.Dir = dir
	}
	return opts, nil
}

// Validate checks option consistency and fixes the derived batch
// limits. Open calls this; tests building odd configs should too.
func (o *Options) Validate() error {
	if o.Dir == "" {
		return ErrInvalidPath
	}
	if o.MemTableSize < 1<<20 {
		return ErrInvalidMemTableSize
	}
	if o.NumCompactors < 2 {
		return ErrInvalidNumCompactors
	}
	if o.MaxLevels < 2 || o.MaxLevels > 16 {
		return ErrInvalidMaxLevels
	}
	if o.BlockSize < 1024 {
		return ErrInvalidBlockSize
	}
	if o.ValueThreshold <= 0 || o.ValueThreshold > o.ValueLogFileSize {
		return ErrInvalidValueThresh
	}
	if !o.Compression.Valid() {
		return fmt.Errorf("unknown compression type %d", o.Compression)
	}
	if n := len(o.EncryptionKey); n != 0 && n != 16 && n != 24 && n != 32 {
		return ErrInvalidEncryptionKey
	}
	if o.Logger == nil {
		o.Logger = DefaultLogger(slog.LevelInfo)
	}
	o.maxBatchSize = (15 * o.MemTableSize) / 100
	o.maxBatchCount = o.maxBatchSize / int64(skl.MaxNodeSize)
	return nil
}

// arenaSize is the memtable arena allocation: the memtable budget plus
// headroom so an admitted batch can never overflow mid-apply.
func (o *Options) arenaSize() int64 {
	return o.MemTableSize + o.maxBatchSize + o.maxBatchCount*int64(skl.MaxNodeSize)
}

// MaxBatchCount is the entry limit of one write batch.
func (o *Options) MaxBatchCount() int64 { return o.maxBatchCount }

// MaxBatchSize is the byte limit of one write batch.
func (o *Options) MaxBatchSize() int64 { return o.maxBatchSize }

// DefaultLogger returns a text slog.Logger at the given level.
func DefaultLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// DebugLogger is DefaultLogger at debug level, handy in tests.
func DebugLogger() *slog.Logger {
	return DefaultLogger(slog.LevelDebug)
}

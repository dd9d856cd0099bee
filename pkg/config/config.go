package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/CyberFlameGO/ceresdb/pkg/compaction"
	"github.com/CyberFlameGO/ceresdb/pkg/compression"
	"github.com/CyberFlameGO/ceresdb/pkg/objstore"
	"github.com/CyberFlameGO/ceresdb/pkg/retry"
	"github.com/CyberFlameGO/ceresdb/pkg/schema"
	"github.com/CyberFlameGO/ceresdb/pkg/sst"
	"github.com/CyberFlameGO/ceresdb/pkg/wal"
	"github.com/dustin/go-humanize"
	"github.com/goccy/go-yaml"
)

// Config - root of the node configuration
// yaml tags drive parsing; Validate checks the result

type Config struct {
	Logger      LoggerConfig      `yaml:"logger"`
	Server      ServerConfig      `yaml:"http-server"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	DB          `yaml:"db"`
	Tables      []TableConfig `yaml:"tables"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type DiagnosticsConfig struct {
	Gops bool `yaml:"gops"`
}

type DB struct {
	ObjectStore objstore.Config    `yaml:"object_store"`
	Memtable    MemtableConfig     `yaml:"memtable"`
	WAL         wal.Options        `yaml:"wal"`
	SSTable     sst.WriterOptions  `yaml:"sstable"`
	Compaction  compaction.Options `yaml:"compaction"`
	Retry       retry.Policy       `yaml:"retry"`
	Manifest    ManifestConfig     `yaml:"manifest"`
	Cache       CacheConfig        `yaml:"cache"`
}

type MemtableConfig struct {
	// ArenaBlockSize and ArenaMaxBlocks bound the memory of one memtable.
	ArenaBlockSize ByteSize `yaml:"arena_block_size"`
	ArenaMaxBlocks int      `yaml:"arena_max_blocks"`
	// A memtable is frozen once it reaches any of these.
	FlushThreshold     ByteSize      `yaml:"flush_threshold"`
	FlushThresholdRows int64         `yaml:"flush_threshold_rows"`
	FlushInterval      time.Duration `yaml:"flush_interval"`
	FlushChanBuffSize  int           `yaml:"flush_chan_buff_size"`
	// Writes stall while MaxImmTables frozen memtables wait for flush, and
	// fail with ErrBackpressure after WriteStallTimeout.
	MaxImmTables      int           `yaml:"max_imm_tables"`
	WriteStallTimeout time.Duration `yaml:"write_stall_timeout"`
}

type ManifestConfig struct {
	Backend   string        `yaml:"backend"`
	Keep      int           `yaml:"keep"`
	ZKServers []string      `yaml:"zk_servers"`
	ZKRoot    string        `yaml:"zk_root"`
	ZKTimeout time.Duration `yaml:"zk_timeout"`
}

type CacheConfig struct {
	// Readers is the number of open segment readers kept per table.
	Readers int `yaml:"readers"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// TableConfig declares a table to open at boot.
type TableConfig struct {
	Name string `yaml:"name"`
	// Keys form the primary key in order; one of them should be a timestamp.
	Keys                  []schema.ColumnSchema `yaml:"keys"`
	Columns               []schema.ColumnSchema `yaml:"columns"`
	AllowMissingTimestamp bool                  `yaml:"allow_missing_timestamp"`
}

// Schema builds the table schema; column ids are assigned in order when
// left out.
func (t TableConfig) Schema() (schema.Schema, error) {
	b := schema.NewBuilder().
		AutoIncrementColumnID(true).
		AllowMissingTimestamp(t.AllowMissingTimestamp)
	for _, c := range t.Keys {
		b.AddKeyColumn(c)
	}
	for _, c := range t.Columns {
		b.AddNormalColumn(c)
	}
	s, err := b.Build()
	if err != nil {
		return schema.Schema{}, fmt.Errorf("table %s: %w", t.Name, err)
	}
	return s, nil
}

// ByteSize accepts plain numbers as well as strings like "64MiB".
type ByteSize uint64

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(humanize.IBytes(uint64(b))), nil
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", text, err)
	}
	*b = ByteSize(n)
	return nil
}

// Parse decodes a yaml document on top of the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks what the engine cannot work around.
func (c *Config) Validate() error {
	switch c.ObjectStore.Kind {
	case "local":
		if c.ObjectStore.Path == "" {
			return fmt.Errorf("db.object_store.path is required for a local store")
		}
	case "blob":
		if c.ObjectStore.URL == "" {
			return fmt.Errorf("db.object_store.url is required for a blob store")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown object store kind %q", c.ObjectStore.Kind)
	}

	switch c.Manifest.Backend {
	case "object":
	case "zookeeper":
		if len(c.Manifest.ZKServers) == 0 {
			return fmt.Errorf("db.manifest.zk_servers is required for the zookeeper backend")
		}
	default:
		return fmt.Errorf("unknown manifest backend %q", c.Manifest.Backend)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("http-server.port %d is out of range", c.Server.Port)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logger.Level)); err != nil {
		return fmt.Errorf("logger.level: %w", err)
	}

	if c.Memtable.FlushChanBuffSize < 1 || c.Memtable.MaxImmTables < 1 {
		return fmt.Errorf("db.memtable.flush_chan_buff_size and max_imm_tables must be at least 1")
	}
	if c.Cache.Readers < 1 {
		return fmt.Errorf("db.cache.readers must be at least 1")
	}
	for name, p := range map[string]retry.Policy{"db.retry": c.Retry, "db.wal.retry": c.WAL.Retry} {
		if p.MaxRetries < 1 || p.Jitter < 0 || p.Jitter >= 1 {
			return fmt.Errorf("%s needs max_retries >= 1 and jitter in [0, 1)", name)
		}
	}
	if c.Memtable.FlushThreshold == 0 || c.Memtable.ArenaBlockSize == 0 || c.Memtable.ArenaMaxBlocks < 1 {
		return fmt.Errorf("db.memtable needs a flush threshold and an arena")
	}
	if uint64(c.Memtable.FlushThreshold) > uint64(c.Memtable.ArenaBlockSize)*uint64(c.Memtable.ArenaMaxBlocks) {
		return fmt.Errorf("db.memtable.flush_threshold %s exceeds the arena capacity", humanize.IBytes(uint64(c.Memtable.FlushThreshold)))
	}
	if !c.SSTable.Codec.Valid() {
		return fmt.Errorf("unknown sstable codec %d", c.SSTable.Codec)
	}

	seen := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if t.Name == "" || seen[t.Name] {
			return fmt.Errorf("table names must be unique and non-empty, got %q", t.Name)
		}
		seen[t.Name] = true
	}
	for _, t := range c.Tables {
		if len(t.Keys) == 0 {
			return fmt.Errorf("table %s has no key columns", t.Name)
		}
	}
	return nil
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		DB: DB{
			ObjectStore: objstore.Config{
				Kind:      "local",
				Path:      "./data",
				OpTimeout: objstore.DefaultOpTimeout,
			},
			Memtable: MemtableConfig{
				ArenaBlockSize:     1 << 20,
				ArenaMaxBlocks:     64,
				FlushThreshold:     32 << 20,
				FlushThresholdRows: 1 << 20,
				FlushInterval:      5 * time.Minute,
				FlushChanBuffSize:  3,
				MaxImmTables:       3,
				WriteStallTimeout:  10 * time.Second,
			},
			WAL: wal.Options{
				QueueSize:     1024,
				MaxBatchBytes: 4 << 20,
				Retry:         retry.Default(),
			},
			SSTable: sst.WriterOptions{
				RowGroupSize: 64 << 10,
				Codec:        compression.Zstd,
				BloomFPRate:  0.01,
			},
			Compaction: compaction.Options{
				Interval:       30 * time.Second,
				TierMinSize:    4 << 20,
				TierTrigger:    4,
				MaxInputBytes:  1 << 30,
				MaxSegmentSize: 64 << 20,
				TombstoneGCLag: 0,
				MaxRetries:     3,
			},
			Retry: retry.Default(),
			Manifest: ManifestConfig{
				Backend:   "object",
				Keep:      2,
				ZKRoot:    "/ceresdb",
				ZKTimeout: 5 * time.Second,
			},
			Cache: CacheConfig{
				Readers: 256,
			},
		},
	}
}

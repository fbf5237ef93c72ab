package config

// IngestConfig configures the bounded ingestion queue (C13). DedupLRUSize
// is loaded but not read: the episodic layer (C4) sizes the dedup LRU it
// checks before a storage round trip from its own constant.
type IngestConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
	DedupLRUSize  int `yaml:"dedup_lru_size"`
}

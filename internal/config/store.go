package config

// StoreConfig configures the storage engine (C1): the SQLite database path
// and the connection pool's acquire discipline.
type StoreConfig struct {
	DatabasePath   string `yaml:"database_path"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
	MaxIdleConns   int    `yaml:"max_idle_conns"`
	AcquireTimeout string `yaml:"acquire_timeout"`
}

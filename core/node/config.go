package node

import (
	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server struct {
		Host string `toml:"host" envconfig:"SERVER_HOST"`
		Port int    `toml:"port" envconfig:"SERVER_PORT"`
	} `toml:"server"`
	Admin struct {
		Addr string `toml:"addr" envconfig:"ADMIN_ADDR"`
	} `toml:"admin"`
	Peer struct {
		Addr string `toml:"addr" envconfig:"PEER_ADDR"`
	} `toml:"peer"`
	Cache struct {
		Path     string `toml:"path" envconfig:"CACHE_PATH"`
		Disabled bool   `toml:"disabled" envconfig:"CACHE_DISABLED"`
		Quiet    bool   `toml:"quiet" envconfig:"CACHE_QUIET"`
	} `toml:"cache"`
	Catalog struct {
		Path    string `toml:"path" envconfig:"CATALOG_PATH"`
		LRUSize int    `toml:"lru_size" envconfig:"CATALOG_LRU_SIZE"`
	} `toml:"catalog"`
	Channel struct {
		Name          string `toml:"name" envconfig:"CHANNEL_NAME"`
		Transport     string `toml:"transport" envconfig:"CHANNEL_TRANSPORT"` // grpc or tcp
		Workers       int    `toml:"workers" envconfig:"CHANNEL_WORKERS"`
		ChunkSize     int    `toml:"chunk_size" envconfig:"CHANNEL_CHUNK_SIZE"`
		MaxFrame      int    `toml:"max_frame" envconfig:"CHANNEL_MAX_FRAME"`
		TombstoneSize int    `toml:"tombstones" envconfig:"CHANNEL_TOMBSTONES"`
	} `toml:"channel"`
}

func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 7400
	cfg.Admin.Addr = "127.0.0.1:7401"
	cfg.Peer.Addr = "127.0.0.1:7400"
	cfg.Cache.Path = "./data/jars"
	cfg.Catalog.Path = "./data/catalog"
	cfg.Catalog.LRUSize = 64
	cfg.Channel.Transport = "grpc"
	cfg.Channel.Workers = 8
	cfg.Channel.ChunkSize = 64 << 10
	cfg.Channel.MaxFrame = 16 << 20
	cfg.Channel.TombstoneSize = 256
	return cfg
}

// GetConfig reads defaults, then the TOML file at path if path is not
// empty, then the environment.
func GetConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

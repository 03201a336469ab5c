package config

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru"
)

const streamCacheSize = 256

// Loader resolves the configuration of a stream by name. Streams without an
// explicit entry get derived defaults: the stream name is the topic and a
// stored version state is required.
type Loader struct {
	explicit map[string]StreamConfig
	cache    *lru.Cache
}

func NewLoader(streams map[string]StreamConfig) (*Loader, error) {
	cache, err := lru.New(streamCacheSize)
	if err != nil {
		return nil, err
	}
	explicit := make(map[string]StreamConfig, len(streams))
	for name, s := range streams {
		// viper lowercases map keys
		explicit[strings.ToLower(name)] = s
	}
	return &Loader{explicit: explicit, cache: cache}, nil
}

func (l *Loader) Resolve(stream string) (StreamConfig, error) {
	if strings.TrimSpace(stream) == "" {
		return StreamConfig{}, fmt.Errorf("stream name is required")
	}
	if v, ok := l.cache.Get(stream); ok {
		return v.(StreamConfig), nil
	}
	cfg, ok := l.explicit[strings.ToLower(stream)]
	if !ok {
		cfg = StreamConfig{VersionStateRequired: true}
	}
	cfg.Name = stream
	if cfg.Topic == "" {
		cfg.Topic = stream
	}
	if cfg.Compression == "" {
		cfg.Compression = "none"
	}
	l.cache.Add(stream, cfg)
	return cfg, nil
}

package server

import "time"

// Config controls the connection task and the acceptor.
type Config struct {
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxHeaderSize int
	MaxBodySize   int64
	// MaxConnections caps concurrently served connections; 0 means no cap.
	MaxConnections int
	EnableLogging  bool
}

func DefaultConfig() *Config {
	return &Config{
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderSize:  8192,
		MaxBodySize:    1 * 1024 * 1024, // 1MB
		MaxConnections: 0,
		EnableLogging:  false,
	}
}

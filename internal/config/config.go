package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

const (
	DefaultNotifyChannel     = "chat_events"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSendBufferSize    = 256
)

type Config struct {
	ServerAddr     string
	AllowedOrigins []string
	// SigningKey enables token checks on stream and side-channel requests
	// when non-empty.
	SigningKey []byte
	// DatabaseDSN enables the postgres NOTIFY bridge when non-empty.
	DatabaseDSN       string
	NotifyChannel     string
	HeartbeatInterval time.Duration
	SendBufferSize    int
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}

	var signingKey []byte
	if base64Secret != "" {
		var err error
		signingKey, err = decodeSigningSecret(base64Secret)
		if err != nil {
			return nil, fmt.Errorf("decode signing secret: %w", err)
		}
	}

	return &Config{
		ServerAddr:        serverAddr,
		AllowedOrigins:    allowedOrigins,
		SigningKey:        signingKey,
		DatabaseDSN:       databaseDSN,
		NotifyChannel:     DefaultNotifyChannel,
		HeartbeatInterval: DefaultHeartbeatInterval,
		SendBufferSize:    DefaultSendBufferSize,
	}, nil
}

// Validate checks the tunables that callers may override after NewConfig.
func (c *Config) Validate() error {
	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("heartbeat interval cannot be negative")
	}
	if c.SendBufferSize <= 0 {
		return fmt.Errorf("send buffer size must be positive")
	}
	if c.DatabaseDSN != "" && c.NotifyChannel == "" {
		return fmt.Errorf("notify channel cannot be empty when a database DSN is set")
	}
	return nil
}

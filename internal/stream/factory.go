package stream

import (
	"fmt"
	"log/slog"

	"vmwatch/internal/config"
)

// NewClientFromConfig returns nil when no collector address is configured.
func NewClientFromConfig(cfg config.Config, logger *slog.Logger) (*GRPCClient, error) {
	if cfg.StreamAddr == "" {
		return nil, nil
	}
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}
	c := NewGRPCClient(cfg.StreamAddr, tlsCfg, cfg.StreamToken, cfg.StreamMethod, logger)
	c.sendTimeout = cfg.StreamSendTimeout
	return c, nil
}

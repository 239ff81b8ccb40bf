package connector

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/pkg/config"
)

// ConnectorFactory opens connectors from the loaded configuration
type ConnectorFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewConnectorFactory creates a new connector factory
func NewConnectorFactory(cfg *config.Config, logger *zap.Logger) *ConnectorFactory {
	return &ConnectorFactory{cfg: cfg, logger: logger}
}

// CreateSnowflakeConnector opens the staging source
func (f *ConnectorFactory) CreateSnowflakeConnector(ctx context.Context) (*SnowflakeConnector, error) {
	if f.cfg.Snowflake == nil {
		return nil, errors.New("snowflake source is not configured (set SNOWFLAKE_USER and friends)")
	}
	return NewSnowflakeConnector(ctx, f.cfg.Snowflake, f.logger)
}

// CreatePostgresConnector opens the target database
func (f *ConnectorFactory) CreatePostgresConnector(ctx context.Context) (*PostgresConnector, error) {
	pgCfg, err := f.cfg.RequirePostgres()
	if err != nil {
		return nil, err
	}
	return NewPostgresConnector(ctx, pgCfg, f.logger)
}

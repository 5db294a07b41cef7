package configuration

type ConfigProvider interface {
	GetApplication() *AppConfigurationProperties
	GetTransport() *TransportConfigurationProperties
	GetSync() *SyncConfigurationProperties
	GetCheckpoint() *CheckpointConfigurationProperties
	GetMetrics() *MetricsConfigurationProperties
}

type AppConfigProvider struct {
	config *Properties
}

func NewProvider(cfg *Properties) *AppConfigProvider {
	return &AppConfigProvider{config: cfg}
}

func (c *AppConfigProvider) GetApplication() *AppConfigurationProperties {
	return &c.config.App
}

func (c *AppConfigProvider) GetTransport() *TransportConfigurationProperties {
	return &c.config.Transport
}

func (c *AppConfigProvider) GetSync() *SyncConfigurationProperties {
	return &c.config.Sync
}

func (c *AppConfigProvider) GetCheckpoint() *CheckpointConfigurationProperties {
	return &c.config.Checkpoint
}

func (c *AppConfigProvider) GetMetrics() *MetricsConfigurationProperties {
	return &c.config.Metrics
}

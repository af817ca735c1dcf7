package common

import "github.com/spf13/viper"

// ===============================================================================
// Broker Related Config

// BrokerConfig defines the subscription broker runtime parameters
type BrokerConfig struct {
	// MaxSubscriptionsPerConnection is the per-connection subscription cap enforced at
	// subscribe time
	MaxSubscriptionsPerConnection int `mapstructure:"max_subscriptions_per_connection" json:"max_subscriptions_per_connection" validate:"required,gte=1"`
	// MaxEventBatchSize is the max number of events processed in one dispatch flush
	MaxEventBatchSize int `mapstructure:"max_event_batch_size" json:"max_event_batch_size" validate:"required,gte=1"`
	// EventBatchTimeout is the dispatch flush period in ms, bounding worst-case
	// per-event delivery latency
	EventBatchTimeout int `mapstructure:"event_batch_timeout_ms" json:"event_batch_timeout_ms" validate:"required,gte=1"`
	// ConnectionTimeout is advisory to the host transport in ms
	ConnectionTimeout int `mapstructure:"connection_timeout_ms" json:"connection_timeout_ms" validate:"gte=0"`
	// HeartbeatInterval is the keep-alive send period in ms
	HeartbeatInterval int `mapstructure:"heartbeat_interval_ms" json:"heartbeat_interval_ms" validate:"required,gte=1"`
	// ReapInterval is the dead-connection sweep period in ms
	ReapInterval int `mapstructure:"reap_interval_ms" json:"reap_interval_ms" validate:"required,gte=1"`
	// QueueBuffer is the dispatch queue channel depth
	QueueBuffer int `mapstructure:"queue_buffer" json:"queue_buffer" validate:"required,gte=1"`
	// MaxMemoryUsage advisory memory ceiling in bytes, surfaced via metrics only
	MaxMemoryUsage uint64 `mapstructure:"max_memory_bytes" json:"max_memory_bytes" validate:"gte=0"`
	// PrivilegedEventTypes lists event types only privileged callers may subscribe to
	PrivilegedEventTypes []string `mapstructure:"privileged_event_types" json:"privileged_event_types"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Host Server Related Config

// HostEndpointConfig defines host API endpoint config
type HostEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the host APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// HostServerConfig defines configuration for the broker host API server
type HostServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the host API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the host API server
	Endpoints HostEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Broker are the subscription broker config parameters
	Broker BrokerConfig `mapstructure:"broker" json:"broker" validate:"required,dive"`
	// Host are the broker host API server configs
	Host *HostServerConfig `mapstructure:"host,omitempty" json:"host,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default broker settings
	viper.SetDefault("broker.max_subscriptions_per_connection", 50)
	viper.SetDefault("broker.max_event_batch_size", 100)
	viper.SetDefault("broker.event_batch_timeout_ms", 100)
	viper.SetDefault("broker.connection_timeout_ms", 30000)
	viper.SetDefault("broker.heartbeat_interval_ms", 25000)
	viper.SetDefault("broker.reap_interval_ms", 5000)
	viper.SetDefault("broker.queue_buffer", 1024)
	viper.SetDefault("broker.max_memory_bytes", 536870912)
	viper.SetDefault(
		"broker.privileged_event_types", []string{
			"adminAnnouncement", "gradeOverride", "userModeration",
		},
	)

	// Default host server settings
	viper.SetDefault("host.endpoint_config.path_prefix", "/")
	viper.SetDefault("host.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("host.api_server.server_config.listen_port", 3000)
	viper.SetDefault("host.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("host.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("host.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"host.api_server.logging_config.request_id_header", "Campusmq-Request-ID",
	)
	viper.SetDefault(
		"host.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}

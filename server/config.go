// Copyright 2025 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"os"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config interface is the beacon server configuration.
type Config interface {
	GetName() string
	GetConfig() string
	GetShutdownGraceSec() int
	GetLogger() *LoggerConfig
	GetSocket() *SocketConfig
	GetSession() *SessionConfig
	GetPull() *PullConfig
	GetDatabase() *DatabaseConfig
	GetMetrics() *MetricsConfig
	GetCounter() *CounterConfig
	GetInstances() []*InstanceConfig
}

// ParseArgs loads the YAML file named by --config, if any, then applies
// command line overrides on top of it.
func ParseArgs(logger *zap.Logger, args []string) Config {
	config := NewConfig()

	// Find the config file first, ignoring every other flag.
	configFlags := pflag.NewFlagSet("config", pflag.ContinueOnError)
	configFlags.ParseErrorsWhitelist = pflag.ParseErrorsWhitelist{UnknownFlags: true}
	configFlags.Usage = func() {}
	configPath := configFlags.String("config", "", "The absolute file path to configuration YAML file.")
	if err := configFlags.Parse(args); err != nil && err != pflag.ErrHelp {
		logger.Fatal("Could not parse command line arguments", zap.Error(err))
	}

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			logger.Fatal("Could not read config file", zap.String("path", *configPath), zap.Error(err))
		}
		if err = yaml.Unmarshal(data, config); err != nil {
			logger.Fatal("Could not parse config file", zap.String("path", *configPath), zap.Error(err))
		}
		config.Config = *configPath
	}

	// Override config with those passed from command-line.
	flagSet := newConfigFlagSet(config)
	if err := flagSet.Parse(args); err != nil {
		logger.Fatal("Could not parse command line arguments", zap.Error(err))
	}

	return config
}

func newConfigFlagSet(c *config) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("beacon", pflag.ContinueOnError)
	flagSet.String("config", c.Config, "The absolute file path to configuration YAML file.")
	flagSet.StringVar(&c.Name, "name", c.Name, "Beacon server's node name.")
	flagSet.IntVar(&c.ShutdownGraceSec, "shutdown_grace_sec", c.ShutdownGraceSec, "Maximum number of seconds to wait for the server to complete work before shutting down.")

	flagSet.StringVar(&c.Logger.Level, "logger.level", c.Logger.Level, "Log level to set. Valid values are 'debug', 'info', 'warn', 'error'.")
	flagSet.StringVar(&c.Logger.File, "logger.file", c.Logger.File, "Log output to a file (as well as stdout if set).")
	flagSet.BoolVar(&c.Logger.Stdout, "logger.stdout", c.Logger.Stdout, "Log to standard console output (as well as to a file if set).")
	flagSet.StringVar(&c.Logger.Format, "logger.format", c.Logger.Format, "Set logging output format. Can either be 'JSON' or 'console'.")
	flagSet.BoolVar(&c.Logger.Rotation, "logger.rotation", c.Logger.Rotation, "Rotate log files.")

	flagSet.StringVar(&c.Socket.ServerKey, "socket.server_key", c.Socket.ServerKey, "Server key to use to obtain a client token.")
	flagSet.StringVar(&c.Socket.Address, "socket.address", c.Socket.Address, "The IP address of the interface to listen for client traffic on.")
	flagSet.IntVar(&c.Socket.Port, "socket.port", c.Socket.Port, "The port for accepting connections from the client.")

	flagSet.StringVar(&c.Session.EncryptionKey, "session.encryption_key", c.Session.EncryptionKey, "The encryption key used to produce the client token.")
	flagSet.Int64Var(&c.Session.TokenExpirySec, "session.token_expiry_sec", c.Session.TokenExpirySec, "Token expiry in seconds.")

	flagSet.IntVar(&c.Pull.SessionTimeoutMs, "pull.session_timeout_ms", c.Pull.SessionTimeoutMs, "Time in milliseconds a pull session may stay idle before it expires.")
	flagSet.IntVar(&c.Pull.PollingIntervalMs, "pull.polling_interval_ms", c.Pull.PollingIntervalMs, "Default polling interval advertised to pull clients.")
	flagSet.IntVar(&c.Pull.FastPollingIntervalMs, "pull.fast_polling_interval_ms", c.Pull.FastPollingIntervalMs, "Polling interval advertised to pull clients asking for speed.")

	flagSet.StringSliceVar(&c.Database.Addresses, "database.address", c.Database.Addresses, "List of database servers (username:password@address:port/dbname).")

	flagSet.IntVar(&c.Metrics.PrometheusPort, "metrics.prometheus_port", c.Metrics.PrometheusPort, "Port to expose Prometheus. If '0' Prometheus exports are disabled.")
	flagSet.IntVar(&c.Metrics.ReportingFreqSec, "metrics.reporting_freq_sec", c.Metrics.ReportingFreqSec, "Frequency of metrics exports.")

	flagSet.StringVar(&c.Counter.Granularity, "counter.granularity", c.Counter.Granularity, "Counter bucket granularity. Valid values are 'minute', 'hour', 'day'.")
	flagSet.IntVar(&c.Counter.RollupIntervalMs, "counter.rollup_interval_ms", c.Counter.RollupIntervalMs, "Time in milliseconds between counter rollups.")
	return flagSet
}

type config struct {
	Name             string            `yaml:"name" json:"name" usage:"Beacon server's node name."`
	Config           string            `yaml:"config" json:"config" usage:"The absolute file path to configuration YAML file."`
	ShutdownGraceSec int               `yaml:"shutdown_grace_sec" json:"shutdown_grace_sec" usage:"Maximum number of seconds to wait for the server to complete work before shutting down. Default is 0 seconds. If 0 the server will shut down immediately when it receives a termination signal."`
	Logger           *LoggerConfig     `yaml:"logger" json:"logger" usage:"Logger levels and output."`
	Socket           *SocketConfig     `yaml:"socket" json:"socket" usage:"Socket configuration."`
	Session          *SessionConfig    `yaml:"session" json:"session" usage:"Session authentication settings."`
	Pull             *PullConfig       `yaml:"pull" json:"pull" usage:"Pull transport settings."`
	Database         *DatabaseConfig   `yaml:"database" json:"database" usage:"Database connection settings."`
	Metrics          *MetricsConfig    `yaml:"metrics" json:"metrics" usage:"Metrics settings."`
	Counter          *CounterConfig    `yaml:"counter" json:"counter" usage:"Event counter rollup settings."`
	Instances        []*InstanceConfig `yaml:"instances" json:"instances" usage:"Monitored instances and their exporters."`
}

// NewConfig constructs a Config struct which represents server settings, and populates it with default values.
func NewConfig() *config {
	return &config{
		Name:             "beacon-" + strings.Split(uuid.Must(uuid.NewV4()).String(), "-")[3],
		ShutdownGraceSec: 0,
		Logger:           NewLoggerConfig(),
		Socket:           NewSocketConfig(),
		Session:          NewSessionConfig(),
		Pull:             NewPullConfig(),
		Database:         NewDatabaseConfig(),
		Metrics:          NewMetricsConfig(),
		Counter:          NewCounterConfig(),
		Instances:        make([]*InstanceConfig, 0),
	}
}

func (c *config) GetName() string {
	return c.Name
}

func (c *config) GetConfig() string {
	return c.Config
}

func (c *config) GetShutdownGraceSec() int {
	return c.ShutdownGraceSec
}

func (c *config) GetLogger() *LoggerConfig {
	return c.Logger
}

func (c *config) GetSocket() *SocketConfig {
	return c.Socket
}

func (c *config) GetSession() *SessionConfig {
	return c.Session
}

func (c *config) GetPull() *PullConfig {
	return c.Pull
}

func (c *config) GetDatabase() *DatabaseConfig {
	return c.Database
}

func (c *config) GetMetrics() *MetricsConfig {
	return c.Metrics
}

func (c *config) GetCounter() *CounterConfig {
	return c.Counter
}

func (c *config) GetInstances() []*InstanceConfig {
	return c.Instances
}

// ValidateConfig checks the global settings. Instance definitions are checked
// later, one at a time, when instances are built.
func ValidateConfig(logger *zap.Logger, c Config) map[string]string {
	configWarnings := make(map[string]string, 4)

	if c.GetName() == "" {
		logger.Fatal("Name must be set", zap.String("param", "name"))
	}
	if c.GetShutdownGraceSec() < 0 {
		logger.Fatal("Shutdown grace period must be >= 0", zap.Int("shutdown_grace_sec", c.GetShutdownGraceSec()))
	}
	if c.GetSocket().ServerKey == "" {
		logger.Fatal("Server key must be set", zap.String("param", "socket.server_key"))
	}
	if c.GetSocket().Port < 1 {
		logger.Fatal("Socket port must be >= 1", zap.Int("socket.port", c.GetSocket().Port))
	}
	if c.GetSocket().PingPeriodMs >= c.GetSocket().PongWaitMs {
		logger.Fatal("Ping period value must be less than pong wait value", zap.Int("socket.ping_period_ms", c.GetSocket().PingPeriodMs), zap.Int("socket.pong_wait_ms", c.GetSocket().PongWaitMs))
	}
	if c.GetSocket().OutgoingQueueSize < 1 {
		logger.Fatal("Socket outgoing queue size must be >= 1", zap.Int("socket.outgoing_queue_size", c.GetSocket().OutgoingQueueSize))
	}
	if c.GetSocket().PingBackoffThreshold < 1 {
		logger.Fatal("Ping backoff threshold must be >= 1", zap.Int("socket.ping_backoff_threshold", c.GetSocket().PingBackoffThreshold))
	}
	if c.GetSession().EncryptionKey == "" {
		logger.Fatal("Encryption key must be set", zap.String("param", "session.encryption_key"))
	}
	if c.GetSession().TokenExpirySec < 1 {
		logger.Fatal("Token expiry seconds must be >= 1", zap.Int64("session.token_expiry_sec", c.GetSession().TokenExpirySec))
	}
	if c.GetPull().SessionTimeoutMs < 1 {
		logger.Fatal("Pull session timeout must be >= 1", zap.Int("pull.session_timeout_ms", c.GetPull().SessionTimeoutMs))
	}
	if c.GetPull().PollingIntervalMs < 1 || c.GetPull().FastPollingIntervalMs < 1 {
		logger.Fatal("Pull polling intervals must be >= 1", zap.Int("pull.polling_interval_ms", c.GetPull().PollingIntervalMs), zap.Int("pull.fast_polling_interval_ms", c.GetPull().FastPollingIntervalMs))
	}
	if c.GetMetrics().ReportingFreqSec < 0 {
		logger.Fatal("Metrics reporting frequency must be >= 0", zap.Int("metrics.reporting_freq_sec", c.GetMetrics().ReportingFreqSec))
	}
	if _, err := ParseBucketGranularity(c.GetCounter().Granularity); err != nil {
		logger.Fatal("Counter granularity invalid", zap.String("counter.granularity", c.GetCounter().Granularity), zap.Error(err))
	}
	if c.GetCounter().RollupIntervalMs < 1 {
		logger.Fatal("Counter rollup interval must be >= 1", zap.Int("counter.rollup_interval_ms", c.GetCounter().RollupIntervalMs))
	}

	if c.GetSocket().ServerKey == "defaultkey" {
		configWarnings["socket.server_key"] = "Insecure default parameter value, change this for production!"
	}
	if c.GetSession().EncryptionKey == "defaultencryptionkey" {
		configWarnings["session.encryption_key"] = "Insecure default parameter value, change this for production!"
	}
	if len(c.GetInstances()) == 0 {
		configWarnings["instances"] = "No monitored instances configured, clients will receive no data."
	}
	for key, warning := range configWarnings {
		logger.Warn(warning, zap.String("param", key))
	}

	return configWarnings
}

// LoggerConfig is configuration relevant to logging levels and output.
type LoggerConfig struct {
	Level    string `yaml:"level" json:"level" usage:"Log level to set. Valid values are 'debug', 'info', 'warn', 'error'. Default 'info'."`
	Stdout   bool   `yaml:"stdout" json:"stdout" usage:"Log to standard console output (as well as to a file if set). Default true."`
	File     string `yaml:"file" json:"file" usage:"Log output to a file (as well as stdout if set). Make sure that the directory and the file is writable."`
	Rotation bool   `yaml:"rotation" json:"rotation" usage:"Rotate log files. Default is false."`
	// Reference: https://godoc.org/gopkg.in/natefinch/lumberjack.v2
	MaxSize    int    `yaml:"max_size" json:"max_size" usage:"The maximum size in megabytes of the log file before it gets rotated. It defaults to 100 megabytes."`
	MaxAge     int    `yaml:"max_age" json:"max_age" usage:"The maximum number of days to retain old log files based on the timestamp encoded in their filename. The default is not to remove old log files based on age."`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" usage:"The maximum number of old log files to retain. The default is to retain all old log files (though MaxAge may still cause them to get deleted.)"`
	LocalTime  bool   `yaml:"local_time" json:"local_time" usage:"This determines if the time used for formatting the timestamps in backup files is the computer's local time. The default is to use UTC time."`
	Compress   bool   `yaml:"compress" json:"compress" usage:"This determines if the rotated log files should be compressed using gzip."`
	Format     string `yaml:"format" json:"format" usage:"Set logging output format. Can either be 'JSON' or 'console'. Default is 'JSON'."`
	TailSize   int    `yaml:"tail_size" json:"tail_size" usage:"Number of recent log lines kept in memory for the 'log' reader plugin. Default 100."`
}

func NewLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:      "info",
		Stdout:     true,
		File:       "",
		Rotation:   false,
		MaxSize:    100,
		MaxAge:     0,
		MaxBackups: 0,
		LocalTime:  false,
		Compress:   false,
		Format:     "json",
		TailSize:   100,
	}
}

// SocketConfig is configuration relevant to the transport socket and protocol.
type SocketConfig struct {
	ServerKey            string `yaml:"server_key" json:"server_key" usage:"Server key to use to obtain a client token."`
	Port                 int    `yaml:"port" json:"port" usage:"The port for accepting connections from the client, listening on all interfaces."`
	Address              string `yaml:"address" json:"address" usage:"The IP address of the interface to listen for client traffic on. Default listen on all available addresses/interfaces."`
	MaxMessageSizeBytes  int64  `yaml:"max_message_size_bytes" json:"max_message_size_bytes" usage:"Maximum amount of data in bytes allowed to be read from the client socket per message."`
	MaxRequestSizeBytes  int64  `yaml:"max_request_size_bytes" json:"max_request_size_bytes" usage:"Maximum amount of data in bytes allowed to be read from clients per HTTP request."`
	ReadBufferSizeBytes  int    `yaml:"read_buffer_size_bytes" json:"read_buffer_size_bytes" usage:"Size in bytes of the pre-allocated socket read buffer. Default 4096."`
	WriteBufferSizeBytes int    `yaml:"write_buffer_size_bytes" json:"write_buffer_size_bytes" usage:"Size in bytes of the pre-allocated socket write buffer. Default 4096."`
	ReadTimeoutMs        int    `yaml:"read_timeout_ms" json:"read_timeout_ms" usage:"Maximum duration in milliseconds for reading the entire request."`
	WriteTimeoutMs       int    `yaml:"write_timeout_ms" json:"write_timeout_ms" usage:"Maximum duration in milliseconds before timing out writes of the response."`
	IdleTimeoutMs        int    `yaml:"idle_timeout_ms" json:"idle_timeout_ms" usage:"Maximum amount of time in milliseconds to wait for the next request when keep-alives are enabled."`
	WriteWaitMs          int    `yaml:"write_wait_ms" json:"write_wait_ms" usage:"Time in milliseconds to wait for an ack from the client when writing data."`
	PongWaitMs           int    `yaml:"pong_wait_ms" json:"pong_wait_ms" usage:"Time in milliseconds to wait for a pong message from the client after sending a ping."`
	PingPeriodMs         int    `yaml:"ping_period_ms" json:"ping_period_ms" usage:"Time in milliseconds to wait between pings to the client. This value must be less than the pong_wait_ms."`
	OutgoingQueueSize    int    `yaml:"outgoing_queue_size" json:"outgoing_queue_size" usage:"The maximum number of messages waiting to be sent to the client. If this is exceeded the client is considered too slow and will disconnect."`
	PingBackoffThreshold int    `yaml:"ping_backoff_threshold" json:"ping_backoff_threshold" usage:"Minimum number of messages received from the client during a single ping period that will delay the sending of a ping until the next ping period, to avoid sending unnecessary pings to regularly active clients. Default 20."`
}

func NewSocketConfig() *SocketConfig {
	return &SocketConfig{
		ServerKey:            "defaultkey",
		Port:                 7450,
		Address:              "",
		MaxMessageSizeBytes:  4096,
		MaxRequestSizeBytes:  262_144,
		ReadBufferSizeBytes:  4096,
		WriteBufferSizeBytes: 4096,
		ReadTimeoutMs:        10 * 1000,
		WriteTimeoutMs:       10 * 1000,
		IdleTimeoutMs:        60 * 1000,
		WriteWaitMs:          5000,
		PongWaitMs:           25000,
		PingPeriodMs:         15000,
		OutgoingQueueSize:    64,
		PingBackoffThreshold: 20,
	}
}

// SessionConfig is configuration relevant to client tokens.
type SessionConfig struct {
	EncryptionKey  string `yaml:"encryption_key" json:"encryption_key" usage:"The encryption key used to produce the client token."`
	TokenExpirySec int64  `yaml:"token_expiry_sec" json:"token_expiry_sec" usage:"Token expiry in seconds."`
}

func NewSessionConfig() *SessionConfig {
	return &SessionConfig{
		EncryptionKey:  "defaultencryptionkey",
		TokenExpirySec: 3600,
	}
}

// PullConfig is configuration relevant to the long-poll transport.
type PullConfig struct {
	SessionTimeoutMs      int `yaml:"session_timeout_ms" json:"session_timeout_ms" usage:"Time in milliseconds a pull session may stay idle before it expires."`
	PollingIntervalMs     int `yaml:"polling_interval_ms" json:"polling_interval_ms" usage:"Default polling interval advertised to pull clients."`
	FastPollingIntervalMs int `yaml:"fast_polling_interval_ms" json:"fast_polling_interval_ms" usage:"Polling interval advertised to pull clients asking for speed."`
}

func NewPullConfig() *PullConfig {
	return &PullConfig{
		SessionTimeoutMs:      30 * 1000,
		PollingIntervalMs:     5000,
		FastPollingIntervalMs: 1000,
	}
}

// DatabaseConfig is configuration relevant to the Database storage.
type DatabaseConfig struct {
	Addresses         []string `yaml:"address" json:"address" usage:"List of database servers (username:password@address:port/dbname). If empty, counter snapshots are kept in memory only."`
	ConnMaxLifetimeMs int      `yaml:"conn_max_lifetime_ms" json:"conn_max_lifetime_ms" usage:"Time in milliseconds to reuse a database connection before the connection is killed and a new one is created. Default 3600000 (1 hour)."`
	MaxOpenConns      int      `yaml:"max_open_conns" json:"max_open_conns" usage:"Maximum number of allowed open connections to the database. Default 20."`
	MaxIdleConns      int      `yaml:"max_idle_conns" json:"max_idle_conns" usage:"Maximum number of allowed open but unused connections to the database. Default 5."`
}

func NewDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Addresses:         []string{},
		ConnMaxLifetimeMs: 3600000,
		MaxOpenConns:      20,
		MaxIdleConns:      5,
	}
}

// MetricsConfig is configuration relevant to metrics capturing and output.
type MetricsConfig struct {
	ReportingFreqSec int    `yaml:"reporting_freq_sec" json:"reporting_freq_sec" usage:"Frequency of metrics exports. Default is 60 seconds."`
	Namespace        string `yaml:"namespace" json:"namespace" usage:"Namespace for Prometheus metrics. It will always prepend node name."`
	PrometheusPort   int    `yaml:"prometheus_port" json:"prometheus_port" usage:"Port to expose Prometheus. If '0' Prometheus exports are disabled."`
	Prefix           string `yaml:"prefix" json:"prefix" usage:"Prefix for metric names. Default is 'beacon', empty string '' disables the prefix."`
}

func NewMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		ReportingFreqSec: 60,
		Namespace:        "",
		PrometheusPort:   0,
		Prefix:           "beacon",
	}
}

// CounterConfig is configuration relevant to event counter rollups.
type CounterConfig struct {
	Granularity      string `yaml:"granularity" json:"granularity" usage:"Counter bucket granularity. Valid values are 'minute', 'hour', 'day'. Default 'minute'."`
	RollupIntervalMs int    `yaml:"rollup_interval_ms" json:"rollup_interval_ms" usage:"Time in milliseconds between counter rollups. Default 10000."`
}

func NewCounterConfig() *CounterConfig {
	return &CounterConfig{
		Granularity:      BucketMinute.String(),
		RollupIntervalMs: 10 * 1000,
	}
}

// InstanceConfig describes one monitored instance.
type InstanceConfig struct {
	Name      string            `yaml:"name" json:"name" usage:"Unique instance name, used as the message prefix."`
	Counters  []string          `yaml:"counters" json:"counters" usage:"Counter domains created at startup."`
	Exporters []*ExporterConfig `yaml:"exporters" json:"exporters" usage:"Exporters of this instance."`
}

// ExporterConfig describes one exporter of a monitored instance.
type ExporterConfig struct {
	Name             string            `yaml:"name" json:"name" usage:"Exporter name, unique per instance and category."`
	Category         string            `yaml:"category" json:"category" usage:"One of 'event', 'metric', 'log', 'data', 'status'."`
	Reader           string            `yaml:"reader" json:"reader" usage:"Reader kind for event, metric and log exporters: 'activity', 'session' or 'custom'."`
	Plugin           string            `yaml:"plugin" json:"plugin" usage:"Reader plugin name when reader is 'custom'."`
	Params           map[string]string `yaml:"params" json:"params" usage:"Free-form reader plugin parameters."`
	Counter          string            `yaml:"counter" json:"counter" usage:"Counter domain read by a 'data' exporter."`
	Granularity      string            `yaml:"granularity" json:"granularity" usage:"Chart granularity of a 'data' exporter. Defaults to counter.granularity."`
	SampleIntervalMs int               `yaml:"sample_interval_ms" json:"sample_interval_ms" usage:"Sampling interval in milliseconds. 0 disables pushed updates."`
	ExportIntervalMs int               `yaml:"export_interval_ms" json:"export_interval_ms" usage:"Export interval in milliseconds. Only used when greater than the sample interval."`
	Policy           string            `yaml:"policy" json:"policy" usage:"Sample comparison policy: 'latest' or 'greater'."`
}

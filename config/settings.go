// Package config holds the service settings and their file/env loading.
package config

import (
	"errors"
	"time"

	"github.com/streamhaus/orderflow/codec"
)

const (
	defaultGroupID      = "order-service"
	defaultOrderTopic   = "order"
	defaultProtoTopic   = "order.proto"
	defaultRetryTopic   = "order.retry"
	defaultDltTopic     = "order.dlt"
	defaultMaxAttempts  = 3
	defaultPollInterval = time.Second
	defaultBatchSize    = 50
	defaultSendTimeout  = 10 * time.Second
)

// Settings holds the configuration surface consumed by the pipeline.
type Settings struct {
	BootstrapServers  string        `mapstructure:"bootstrap_servers"`
	DatabaseURL       string        `mapstructure:"database_url"`
	SchemaRegistryURL string        `mapstructure:"schema_registry_url"`
	GroupID           string        `mapstructure:"group_id"`
	OrderTopic        string        `mapstructure:"order_topic"`
	OrderProtoTopic   string        `mapstructure:"order_proto_topic"`
	RetryTopic        string        `mapstructure:"retry_topic"`
	DltTopic          string        `mapstructure:"dlt_topic"`
	Format            string        `mapstructure:"format"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	SendTimeout       time.Duration `mapstructure:"send_timeout"`
}

// RetryGroupID is the dedicated consumer group of the retry subscription.
func (s *Settings) RetryGroupID() string {
	return s.GroupID + "-retry"
}

// validateSettings validates the established settings and sets defaults
// where needed.
func validateSettings(s *Settings) error {
	if s.BootstrapServers == "" {
		return errors.New("bootstrap_servers is mandatory")
	}
	if s.DatabaseURL == "" {
		return errors.New("database_url is mandatory")
	}
	if s.GroupID == "" {
		s.GroupID = defaultGroupID
	}
	if s.OrderTopic == "" {
		s.OrderTopic = defaultOrderTopic
	}
	if s.OrderProtoTopic == "" {
		s.OrderProtoTopic = defaultProtoTopic
	}
	if s.RetryTopic == "" {
		s.RetryTopic = defaultRetryTopic
	}
	if s.DltTopic == "" {
		s.DltTopic = defaultDltTopic
	}
	switch s.Format {
	case "":
		s.Format = codec.FormatJSON
	case codec.FormatJSON:
	case codec.FormatProtobuf:
		if s.SchemaRegistryURL == "" {
			return errors.New("schema_registry_url is mandatory for the protobuf format")
		}
	default:
		return errors.New("format must be either json or protobuf")
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = defaultMaxAttempts
	}
	if s.PollInterval <= 0 {
		s.PollInterval = defaultPollInterval
	}
	if s.BatchSize <= 0 {
		s.BatchSize = defaultBatchSize
	}
	if s.SendTimeout <= 0 {
		s.SendTimeout = defaultSendTimeout
	}
	return nil
}

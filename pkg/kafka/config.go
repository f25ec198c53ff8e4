package kafka

import (
	"os"
	"strings"

	"github.com/hashicorp-forge/augment/internal/config"
)

// GetBrokers returns the Kafka/Redpanda broker addresses.
// It checks environment variables first, then falls back to config, then default.
func GetBrokers(cfg *config.Config) []string {
	// Try environment variable first
	if brokers := os.Getenv("REDPANDA_BROKERS"); brokers != "" {
		return strings.Split(brokers, ",")
	}

	// Fall back to config
	if cfg != nil && cfg.Recognition != nil && len(cfg.Recognition.Brokers) > 0 {
		return cfg.Recognition.Brokers
	}

	// Default
	return []string{"localhost:19092"}
}

// GetEventsTopic returns the topic the recognition engine publishes events to.
// It checks environment variables first, then falls back to config, then default.
func GetEventsTopic(cfg *config.Config) string {
	if topic := os.Getenv("RECOGNITION_EVENTS_TOPIC"); topic != "" {
		return topic
	}

	if cfg != nil && cfg.Recognition != nil && cfg.Recognition.EventsTopic != "" {
		return cfg.Recognition.EventsTopic
	}

	return "augment.recognition-events"
}

// GetControlTopic returns the topic engine commands are produced to.
func GetControlTopic(cfg *config.Config) string {
	if topic := os.Getenv("RECOGNITION_CONTROL_TOPIC"); topic != "" {
		return topic
	}

	if cfg != nil && cfg.Recognition != nil && cfg.Recognition.ControlTopic != "" {
		return cfg.Recognition.ControlTopic
	}

	return "augment.recognition-control"
}

// GetConsumerGroup returns the consumer group name for the event bridge.
// It checks environment variables first, then falls back to config, then default.
func GetConsumerGroup(cfg *config.Config) string {
	// Try environment variable first
	if group := os.Getenv("CONSUMER_GROUP"); group != "" {
		return group
	}

	// Fall back to config
	if cfg != nil && cfg.Recognition != nil && cfg.Recognition.ConsumerGroup != "" {
		return cfg.Recognition.ConsumerGroup
	}

	// Default
	return "augment-recognition-bridge"
}

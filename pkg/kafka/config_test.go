package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hashicorp-forge/augment/internal/config"
)

func TestGetBrokers(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		assert.Equal(t, []string{"localhost:19092"}, GetBrokers(nil))
		assert.Equal(t, []string{"localhost:19092"}, GetBrokers(&config.Config{}))
	})

	t.Run("config", func(t *testing.T) {
		cfg := &config.Config{Recognition: &config.Recognition{Brokers: []string{"b1:9092"}}}
		assert.Equal(t, []string{"b1:9092"}, GetBrokers(cfg))
	})

	t.Run("env wins", func(t *testing.T) {
		t.Setenv("REDPANDA_BROKERS", "e1:9092,e2:9092")
		cfg := &config.Config{Recognition: &config.Recognition{Brokers: []string{"b1:9092"}}}
		assert.Equal(t, []string{"e1:9092", "e2:9092"}, GetBrokers(cfg))
	})
}

func TestTopicsAndGroup(t *testing.T) {
	assert.Equal(t, "augment.recognition-events", GetEventsTopic(nil))
	assert.Equal(t, "augment.recognition-control", GetControlTopic(nil))
	assert.Equal(t, "augment-recognition-bridge", GetConsumerGroup(nil))

	cfg := &config.Config{Recognition: &config.Recognition{
		EventsTopic:   "events",
		ControlTopic:  "control",
		ConsumerGroup: "group",
	}}
	assert.Equal(t, "events", GetEventsTopic(cfg))
	assert.Equal(t, "control", GetControlTopic(cfg))
	assert.Equal(t, "group", GetConsumerGroup(cfg))

	t.Setenv("RECOGNITION_EVENTS_TOPIC", "env-events")
	t.Setenv("CONSUMER_GROUP", "env-group")
	assert.Equal(t, "env-events", GetEventsTopic(cfg))
	assert.Equal(t, "env-group", GetConsumerGroup(cfg))
}

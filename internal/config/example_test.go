package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := Load("../../augment.example.hcl")
	require.NoError(t, err)

	assert.Equal(t, SourceHTTP, cfg.Assets.Source)
	assert.Nil(t, cfg.S3)
	assert.Equal(t, []string{"localhost:19092"}, cfg.Recognition.Brokers)
	assert.Equal(t, ":9090", cfg.Metrics.Address)
}

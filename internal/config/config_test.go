package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validTestConfig() *Config {
	return &Config{
		Lifecycle: LifecycleConfig{
			InitialSampleDelay: 5 * time.Minute,
			FinalSampleDelay:   11 * time.Minute,
			NoChangeBand:       0,
			SampleRetryCount:   3,
			SampleRetryWait:    2 * time.Second,
		},
	}
}

func TestValidateOK(t *testing.T) {
	assert.NoError(t, validTestConfig().validate())
}

func TestValidateSampleOrdering(t *testing.T) {
	cfg := validTestConfig()
	cfg.Lifecycle.InitialSampleDelay = 11 * time.Minute
	cfg.Lifecycle.FinalSampleDelay = 5 * time.Minute
	assert.Error(t, cfg.validate(), "首次取价必须早于二次取价")

	cfg = validTestConfig()
	cfg.Lifecycle.InitialSampleDelay = cfg.Lifecycle.FinalSampleDelay
	assert.Error(t, cfg.validate(), "两次取价偏移不能相同")
}

func TestValidateZeroDelay(t *testing.T) {
	cfg := validTestConfig()
	cfg.Lifecycle.InitialSampleDelay = 0
	assert.Error(t, cfg.validate())
}

func TestValidateNegativeBand(t *testing.T) {
	cfg := validTestConfig()
	cfg.Lifecycle.NoChangeBand = -0.1
	assert.Error(t, cfg.validate())
}

// Copyright 2024-2025 Dillon Rush
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cfg1 = `
addr: ":9090"
store:
  dsn: clickhouse://db:9000/rpt
search:
  send-empty-delay: 250
  keep-alive-timeout: 2s
`

func TestConfigDefaults(t *testing.T) {
	cfg, err := NewConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "release", cfg.GinMode)
	assert.Equal(t, 6000*time.Millisecond, cfg.Codec.ResponseTimeout)
	assert.Equal(t, 16, cfg.Codec.PendingBatchLimit)
	assert.Equal(t, 100*time.Millisecond, cfg.Search.SendEmptyDelay)
	assert.Equal(t, 300000*time.Millisecond, cfg.Search.EventSearchGap)
	assert.Equal(t, 500, cfg.Search.MaxMessagesLimit)
	assert.False(t, cfg.Codec.UsePinAttributes)
}

func TestConfigFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	assert.Nil(t, err)
	defer os.Remove(tmpFile.Name())

	_, err = tmpFile.WriteString(cfg1)
	assert.Nil(t, err)
	tmpFile.Close()

	cfg, err := NewConfig(tmpFile.Name(), viper.New())
	require.Nil(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "clickhouse://db:9000/rpt", cfg.Store.DSN)

	// bare numbers are milliseconds, unit strings go through ParseDuration
	assert.Equal(t, 250*time.Millisecond, cfg.Search.SendEmptyDelay)
	assert.Equal(t, 2*time.Second, cfg.Search.KeepAliveTimeout)

	// untouched keys keep their defaults
	assert.Equal(t, 64, cfg.Search.EventSearchChunkSize)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CODEC_RESPONSE_TIMEOUT", "1500")
	t.Setenv("codecPendingBatchLimit", "3")
	t.Setenv("codecUsePinAttributes", "true")
	t.Setenv("sendEmptyDelay", "50")
	t.Setenv("MAX_MESSAGES_LIMIT", "42")

	cfg, err := NewConfig("", viper.New())
	require.NoError(t, err)

	assert.Equal(t, 1500*time.Millisecond, cfg.Codec.ResponseTimeout)
	assert.Equal(t, 3, cfg.Codec.PendingBatchLimit)
	assert.True(t, cfg.Codec.UsePinAttributes)
	assert.Equal(t, 50*time.Millisecond, cfg.Search.SendEmptyDelay)
	assert.Equal(t, 42, cfg.Search.MaxMessagesLimit)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "zero response timeout",
			env:  map[string]string{"CODEC_RESPONSE_TIMEOUT": "0"},
		},
		{
			name: "negative pipeline buffer",
			env:  map[string]string{"MESSAGE_SEARCH_PIPELINE_BUFFER": "-1"},
		},
		{
			name: "bad log level",
			env:  map[string]string{"LOG_LEVEL": "verbose"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := NewConfig("", viper.New())
			assert.Error(t, err)
		})
	}
}

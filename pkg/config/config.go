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
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Represents the data provider configuration
type Config struct {
	Addr     string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	GinMode  string `mapstructure:"gin-mode" validate:"omitempty,oneof=debug release"`
	BasePath string `mapstructure:"base-path"`

	Logging struct {
		Enabled bool
		Level   string `validate:"oneof=debug info warn error disabled"`
		Format  string `validate:"oneof=json pretty"`

		AccessLog struct {
			Enabled          bool
			HideHealthChecks bool `mapstructure:"hide-health-checks"`
		} `mapstructure:"access-log"`
	}

	Store struct {
		DSN           string        `mapstructure:"dsn" validate:"required"`
		DialTimeout   time.Duration `mapstructure:"dial-timeout" validate:"gt=0"`
		RetryDelay    time.Duration `mapstructure:"retry-delay" validate:"gt=0"`
		RetryAttempts int           `mapstructure:"retry-attempts" validate:"gt=0"`
	}

	Codec struct {
		Endpoint           string        `mapstructure:"endpoint" validate:"required,url"`
		ResponseTimeout    time.Duration `mapstructure:"response-timeout" validate:"gt=0"`
		PendingBatchLimit  int           `mapstructure:"pending-batch-limit" validate:"gt=0"`
		UsePinAttributes   bool          `mapstructure:"use-pin-attributes"`
		RequestThreadPool  int           `mapstructure:"request-thread-pool" validate:"gt=0"`
		CallbackThreadPool int           `mapstructure:"callback-thread-pool" validate:"gt=0"`
		ReconnectDelay     time.Duration `mapstructure:"reconnect-delay" validate:"gt=0"`
	}

	Search struct {
		SendEmptyDelay        time.Duration `mapstructure:"send-empty-delay" validate:"gt=0"`
		SseEventSearchStep    int           `mapstructure:"sse-event-search-step" validate:"gt=0"`
		EventSearchChunkSize  int           `mapstructure:"event-search-chunk-size" validate:"gt=0"`
		KeepAliveTimeout      time.Duration `mapstructure:"keep-alive-timeout" validate:"gt=0"`
		EventSearchGap        time.Duration `mapstructure:"event-search-gap" validate:"gt=0"`
		SseSearchDelay        time.Duration `mapstructure:"sse-search-delay" validate:"gt=0"`
		MessagePipelineBuffer int           `mapstructure:"message-pipeline-buffer" validate:"gt=0"`
		MaxMessagesLimit      int           `mapstructure:"max-messages-limit" validate:"gt=0"`
	}
}

func (cfg *Config) validate() error {
	return validator.New().Struct(cfg)
}

func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Addr = ":8080"
	cfg.BasePath = "/"
	cfg.GinMode = "release"

	cfg.Logging.Enabled = true
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.AccessLog.Enabled = true
	cfg.Logging.AccessLog.HideHealthChecks = false

	cfg.Store.DSN = "clickhouse://localhost:9000/rpt"
	cfg.Store.DialTimeout = 5 * time.Second
	cfg.Store.RetryDelay = 5000 * time.Millisecond
	cfg.Store.RetryAttempts = 5

	cfg.Codec.Endpoint = "ws://localhost:8680/decode"
	cfg.Codec.ResponseTimeout = 6000 * time.Millisecond
	cfg.Codec.PendingBatchLimit = 16
	cfg.Codec.UsePinAttributes = false
	cfg.Codec.RequestThreadPool = 5
	cfg.Codec.CallbackThreadPool = 4
	cfg.Codec.ReconnectDelay = 5 * time.Second

	cfg.Search.SendEmptyDelay = 100 * time.Millisecond
	cfg.Search.SseEventSearchStep = 16
	cfg.Search.EventSearchChunkSize = 64
	cfg.Search.KeepAliveTimeout = 5000 * time.Millisecond
	cfg.Search.EventSearchGap = 300000 * time.Millisecond
	cfg.Search.SseSearchDelay = 5000 * time.Millisecond
	cfg.Search.MessagePipelineBuffer = 25
	cfg.Search.MaxMessagesLimit = 500

	return cfg
}

// Environment variable bindings. Each key accepts the canonical upper-snake
// name and the legacy camelCase name.
var envBindings = map[string][]string{
	"addr":                           {"HTTP_ADDR"},
	"base-path":                      {"HTTP_BASE_PATH"},
	"gin-mode":                       {"GIN_MODE"},
	"logging.level":                  {"LOG_LEVEL"},
	"logging.format":                 {"LOG_FORMAT"},
	"store.dsn":                      {"STORE_DSN"},
	"store.dial-timeout":             {"STORE_DIAL_TIMEOUT"},
	"store.retry-delay":              {"DB_RETRY_DELAY", "dbRetryDelay"},
	"store.retry-attempts":           {"DB_RETRY_ATTEMPTS", "dbRetryAttempts"},
	"codec.endpoint":                 {"CODEC_ENDPOINT"},
	"codec.response-timeout":         {"CODEC_RESPONSE_TIMEOUT", "codecResponseTimeout"},
	"codec.pending-batch-limit":      {"CODEC_PENDING_BATCH_LIMIT", "codecPendingBatchLimit"},
	"codec.use-pin-attributes":       {"CODEC_USE_PIN_ATTRIBUTES", "codecUsePinAttributes"},
	"codec.request-thread-pool":      {"CODEC_REQUEST_THREAD_POOL", "codecRequestThreadPool"},
	"codec.callback-thread-pool":     {"CODEC_CALLBACK_THREAD_POOL", "codecCallbackThreadPool"},
	"codec.reconnect-delay":          {"CODEC_RECONNECT_DELAY"},
	"search.send-empty-delay":        {"SEND_EMPTY_DELAY", "sendEmptyDelay"},
	"search.sse-event-search-step":   {"SSE_EVENT_SEARCH_STEP", "sseEventSearchStep"},
	"search.event-search-chunk-size": {"EVENT_SEARCH_CHUNK_SIZE", "eventSearchChunkSize"},
	"search.keep-alive-timeout":      {"KEEP_ALIVE_TIMEOUT", "keepAliveTimeout"},
	"search.event-search-gap":        {"EVENT_SEARCH_GAP", "eventSearchGap"},
	"search.sse-search-delay":        {"SSE_SEARCH_DELAY", "sseSearchDelay"},
	"search.message-pipeline-buffer": {"MESSAGE_SEARCH_PIPELINE_BUFFER", "messageSearchPipelineBuffer"},
	"search.max-messages-limit":      {"MAX_MESSAGES_LIMIT", "maxMessagesLimit"},
}

// Custom unmarshaler for time.Duration: bare numbers are milliseconds,
// strings may also use time.ParseDuration units ("5s").
func millisDurationDecodeHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if t != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}

	switch f.Kind() {
	case reflect.String:
		s := data.(string)
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond, nil
		}
		return time.ParseDuration(s)
	case reflect.Int, reflect.Int32, reflect.Int64:
		return time.Duration(reflect.ValueOf(data).Int()) * time.Millisecond, nil
	case reflect.Float64:
		return time.Duration(reflect.ValueOf(data).Float() * float64(time.Millisecond)), nil
	default:
		return data, nil
	}
}

// Custom unmarshaler for numeric and boolean fields arriving as env strings
func envStringDecodeHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String {
		return data, nil
	}

	s := data.(string)
	switch t.Kind() {
	case reflect.Bool:
		return strconv.ParseBool(s)
	case reflect.Int:
		n, err := strconv.ParseInt(s, 10, 64)
		return int(n), err
	default:
		return data, nil
	}
}

func NewConfig(configPath string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	if configPath != "" {
		// Read contents
		configBytes, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}

		// Expand env vars
		configBytes = []byte(os.ExpandEnv(string(configBytes)))

		// Load into viper
		v.SetConfigType(filepath.Ext(configPath)[1:])
		if err := v.ReadConfig(bytes.NewBuffer(configBytes)); err != nil {
			return nil, err
		}
	}

	// Bind environment variables
	for key, names := range envBindings {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, err
		}
	}

	cfg := DefaultConfig()

	// Unmarshal
	hookFunc := mapstructure.ComposeDecodeHookFunc(
		millisDurationDecodeHook,
		envStringDecodeHook,
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(hookFunc)); err != nil {
		return nil, err
	}

	// Validate config
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

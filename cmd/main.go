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

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/app"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/codec"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/logging"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/store"
	"github.com/dillon-rush/th2-rpt-data-provider/pkg/config"
)

type CLI struct {
	Config string `validate:"omitempty,file"`
}

func main() {
	var cli CLI
	var params []string

	// Init cobra command
	cmd := cobra.Command{
		Use:   "rpt-data-provider",
		Short: "Read-only data provider for stored messages and test events",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Validate CLI flags
			return validator.New().Struct(cli)
		},
		Run: func(cmd *cobra.Command, args []string) {
			// Listen for termination signals as early as possible
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			defer close(quit)

			// Init viper
			v := viper.New()
			v.BindPFlag("addr", cmd.Flags().Lookup("addr"))
			v.BindPFlag("gin-mode", cmd.Flags().Lookup("gin-mode"))

			// Override params from cli
			for _, param := range params {
				split := strings.SplitN(param, ":", 2)
				if len(split) == 2 {
					v.Set(split[0], split[1])
				}
			}

			// Init config
			cfg, err := config.NewConfig(cli.Config, v)
			if err != nil {
				zlog.Fatal().Caller().Err(err).Send()
			}

			// Set gin mode
			gin.SetMode(cfg.GinMode)

			// Configure logger
			logging.ConfigureLogger(logging.LoggerOptions{
				Enabled: cfg.Logging.Enabled,
				Level:   cfg.Logging.Level,
				Format:  cfg.Logging.Format,
			})

			// Open record store
			dialCtx, dialCancel := context.WithTimeout(context.Background(), cfg.Store.DialTimeout)
			gateway, err := store.NewClickHouseGateway(dialCtx, cfg.Store.DSN, cfg.Store.DialTimeout)
			dialCancel()
			if err != nil {
				zlog.Fatal().Caller().Err(err).Send()
			}

			// Dial codec
			transport := codec.NewWSTransport(codec.WSTransportOptions{
				Endpoint:       cfg.Codec.Endpoint,
				ReconnectDelay: cfg.Codec.ReconnectDelay,
				UsePin:         cfg.Codec.UsePinAttributes,
			})
			broker := codec.NewBroker(transport, codec.BrokerOptions{
				ResponseTimeout: cfg.Codec.ResponseTimeout,
				PendingLimit:    cfg.Codec.PendingBatchLimit,
				SendWorkers:     cfg.Codec.RequestThreadPool,
				CallbackWorkers: cfg.Codec.CallbackThreadPool,
			})

			// Create app
			app := app.NewApp(cfg, gateway, broker)

			// Create server; WriteTimeout stays unset so long-lived event
			// streams are not cut off mid-scan
			server := http.Server{
				Addr:        cfg.Addr,
				Handler:     app,
				IdleTimeout: 1 * time.Minute,
				ReadTimeout: 5 * time.Second,
			}

			// Run server in go routine
			go func() {
				zlog.Info().Msg("Starting server on " + cfg.Addr)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					zlog.Fatal().Caller().Err(err).Send()
				}
			}()

			// Wait for termination signal
			<-quit

			zlog.Info().Msg("Starting graceful shutdown...")

			// Graceful shutdown with 30 second deadline
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := server.Shutdown(ctx); err != nil {
				zlog.Error().Err(err).Send()
			}

			// Release resources once no request is using them
			broker.Close()
			if err := transport.Close(); err != nil {
				zlog.Error().Err(err).Send()
			}
			if err := gateway.Close(); err != nil {
				zlog.Error().Err(err).Send()
			}

			if ctx.Err() == nil {
				zlog.Info().Msg("Completed graceful shutdown")
			}
		},
	}

	// Define flags
	flagset := cmd.Flags()
	flagset.SortFlags = false
	flagset.StringVarP(&cli.Config, "config", "c", "", "Path to configuration file (e.g. \"/etc/th2/rpt-data-provider.yaml\")")
	flagset.StringP("addr", "a", ":8080", "Host address to bind to")
	flagset.String("gin-mode", "release", "Gin mode (release, debug)")
	flagset.StringArrayVarP(&params, "param", "p", []string{}, "Config params")

	// Execute command
	if err := cmd.Execute(); err != nil {
		zlog.Fatal().Caller().Err(err).Send()
	}
}

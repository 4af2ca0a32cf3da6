package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eg4-monitor/config"
	"eg4-monitor/internal/api"
	"eg4-monitor/internal/collector"
	"eg4-monitor/internal/features"
	"eg4-monitor/internal/inverter"
	"eg4-monitor/internal/modbus"
	"eg4-monitor/internal/mqtt"
	"eg4-monitor/internal/storage"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	verbose    bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "eg4-monitor",
		Short:        "EG4 / Luxpower inverter capability monitor",
		Long:         "Identify EG4 and Luxpower inverters over Modbus TCP and track which features each device supports",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(serveCmd())
	root.AddCommand(identifyCmd())
	root.AddCommand(decodeCmd())
	root.AddCommand(scanCmd())
	root.AddCommand(testCmd())
	return root
}

// loadConfig reads the configuration and installs the global logger.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	logger, err := newLogger(level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(level string) (*zap.Logger, error) {
	logCfg := zap.NewProductionConfig()

	var err error
	logCfg.Level, err = zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	// stdout is reserved for command output
	logCfg.OutputPaths = []string{"stderr"}
	logCfg.ErrorOutputPaths = []string{"stderr"}
	logCfg.Sampling = nil

	logger := zap.Must(logCfg.Build(zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)))
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newEG4(d config.DeviceConfig, parameters map[string]uint16) (*modbus.Client, *inverter.EG4) {
	client := modbus.NewClient(d.IP, d.Port, d.UnitID, d.Timeout)
	return client, inverter.NewEG4(client, mergeParameters(parameters))
}

// mergeParameters overlays configured registers on the defaults.
func mergeParameters(overrides map[string]uint16) map[string]uint16 {
	return lo.Assign(inverter.DefaultParameters(), overrides)
}

func selectDevices(cfg *config.Config, name string) ([]config.DeviceConfig, error) {
	if name == "" {
		if len(cfg.Devices) == 0 {
			return nil, errors.New("no devices configured")
		}
		return cfg.Devices, nil
	}
	d, ok := cfg.Device(name)
	if !ok {
		return nil, fmt.Errorf("device %q is not configured", name)
	}
	return []config.DeviceConfig{d}, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the monitoring service",
		Long:  "Start the collector, API server, and MQTT publisher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()

			db, err := storage.NewDatabase(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()
			logger.Info("database opened", zap.String("path", cfg.Database.Path))

			engine := features.NewEngine(features.WithProbeTimeout(cfg.Detection.ProbeTimeout))
			if stored, err := db.LoadRecords(); err != nil {
				logger.Warn("failed to load stored capabilities", zap.Error(err))
			} else {
				seeded := lo.CountBy(stored, engine.Seed)
				logger.Info("loaded stored capabilities", zap.Int("records", seeded))
			}

			publisher, err := mqtt.NewPublisher(mqtt.PublisherConfig{
				Broker:      cfg.MQTT.Broker,
				ClientID:    cfg.MQTT.ClientID,
				Username:    cfg.MQTT.Username,
				Password:    cfg.MQTT.Password,
				TopicPrefix: cfg.MQTT.TopicPrefix,
				Enabled:     cfg.MQTT.Enabled,
			})
			if err != nil {
				logger.Warn("MQTT connection failed, publishing disabled", zap.Error(err))
				publisher, _ = mqtt.NewPublisher(mqtt.PublisherConfig{Enabled: false})
			}
			defer publisher.Close()

			var clients []*modbus.Client
			devices := lo.Map(cfg.Devices, func(d config.DeviceConfig, _ int) collector.Device {
				client, eg4 := newEG4(d, cfg.Detection.Parameters)
				clients = append(clients, client)
				return collector.Device{Name: d.Name, Source: eg4}
			})
			defer func() {
				for _, c := range clients {
					_ = c.Close()
				}
			}()

			coll := collector.NewCollector(collector.CollectorConfig{
				Devices:         devices,
				Engine:          engine,
				Store:           db,
				Publisher:       publisher,
				Interval:        cfg.Collector.Interval,
				RefreshSchedule: cfg.Collector.RefreshSchedule,
				Enabled:         cfg.Collector.Enabled,
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cleanup := cron.New()
			if _, err := cleanup.AddFunc("@daily", func() {
				if err := db.CleanOldEvents(cfg.Database.Retention); err != nil {
					zap.L().Error("error cleaning up detection history", zap.Error(err))
				}
			}); err != nil {
				return err
			}
			cleanup.Start()
			defer cleanup.Stop()

			go func() {
				if err := coll.Start(ctx); err != nil {
					logger.Error("collector error", zap.Error(err))
				}
			}()

			var server *api.Server
			if cfg.API.Enabled {
				server = api.NewServer(api.ServerConfig{
					Port:      cfg.API.Port,
					Collector: coll,
					History:   db,
				})

				go func() {
					if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("API server error", zap.Error(err))
					}
				}()
			}

			logger.Info("eg4-monitor started", zap.Int("devices", len(devices)))

			<-ctx.Done()
			logger.Info("shutting down")

			if server != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Stop(shutdownCtx); err != nil {
					logger.Warn("API shutdown failed", zap.Error(err))
				}
			}
			return nil
		},
	}
}

func identifyCmd() *cobra.Command {
	var (
		device string
		output string
	)
	cmd := &cobra.Command{
		Use:   "identify",
		Short: "Identify configured devices once",
		Long:  "Read the identity registers of each configured device, probe optional parameters and print the capability records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()

			selected, err := selectDevices(cfg, device)
			if err != nil {
				return err
			}

			engine := features.NewEngine(features.WithProbeTimeout(cfg.Detection.ProbeTimeout))
			var records []features.CapabilityRecord
			var errs []error
			for _, d := range selected {
				client, eg4 := newEG4(d, cfg.Detection.Parameters)
				rec, err := identify(cmd.Context(), engine, eg4)
				_ = client.Close()
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", d.Name, err))
					continue
				}
				records = append(records, rec)
			}

			if len(records) > 0 {
				var v any = records
				if len(records) == 1 {
					v = records[0]
				}
				if err := render(cmd.OutOrStdout(), v, output); err != nil {
					return err
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVarP(&device, "device", "d", "", "only identify the named device")
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format (json|yaml)")
	return cmd
}

func identify(ctx context.Context, engine *features.Engine, eg4 *inverter.EG4) (features.CapabilityRecord, error) {
	id, err := eg4.ReadIdentity(ctx)
	if err != nil {
		return features.CapabilityRecord{}, err
	}
	return engine.Detect(ctx, id.Request(eg4, true))
}

func testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Test connection to the configured devices",
		Long:  "Test the Modbus TCP connection to each device and print its identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()

			selected, err := selectDevices(cfg, "")
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var errs []error
			for _, d := range selected {
				fmt.Fprintf(out, "Testing connection to %s (%s:%d)...\n", d.Name, d.IP, d.Port)

				client, eg4 := newEG4(d, cfg.Detection.Parameters)
				id, err := eg4.ReadIdentity(cmd.Context())
				_ = client.Close()
				if err != nil {
					fmt.Fprintf(out, "Connection FAILED: %v\n\n", err)
					errs = append(errs, fmt.Errorf("%s: %w", d.Name, err))
					continue
				}

				fmt.Fprintln(out, "Connection SUCCESS!")
				fmt.Fprintf(out, "  Serial Number: %s\n", id.Serial)
				fmt.Fprintf(out, "  Device Type:   %d (%s)\n", id.DeviceTypeCode, id.Family().DisplayName())
				fmt.Fprintf(out, "  Model Word:    %s\n\n", id.Model)
			}
			return errors.Join(errs...)
		},
	}
}

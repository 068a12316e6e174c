package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/tngate/bus"
	"pkt.systems/tngate/console"
	"pkt.systems/tngate/core"
	"pkt.systems/tngate/host"
	"pkt.systems/tngate/internal/appconfig"
	"pkt.systems/tngate/internal/recstore"
	"pkt.systems/tngate/internal/s3270"
	"pkt.systems/tngate/schema"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var noConsole bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the terminal gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}

			serviceCfg := schema.ServiceConfig{
				Namespace:    cfg.Bus.Namespace,
				DefaultHost:  cfg.Terminal.Host,
				DefaultPort:  cfg.Terminal.Port,
				Secure:       cfg.Terminal.Secure,
				MaxSessions:  cfg.Service.MaxSessions,
				PollInterval: time.Duration(cfg.Terminal.PollIntervalMs) * time.Millisecond,
				ConnectWait:  time.Duration(cfg.Terminal.ConnectWaitSeconds) * time.Second,
				ASTWorkers:   cfg.Service.ASTWorkers,
			}

			store, err := recstore.NewStore(cfg.Records.Dir, logger)
			if err != nil {
				return err
			}
			if cfg.Records.Encrypt {
				if err := store.EnableEncryption(cfg.Records.KeyStorePath); err != nil {
					return err
				}
				logger.Info("record encryption enabled", "key_store", cfg.Records.KeyStorePath)
			}

			memBus := bus.NewMemory(logger)
			engines := core.EngineProviderFunc(func(id schema.SessionID) host.Engine {
				return s3270.New(s3270.Config{
					BinaryPath: cfg.Terminal.Binary,
					ExtraArgs:  cfg.Terminal.ExtraArgs,
					Model:      cfg.Terminal.Model,
					Logger:     logger.With("session", id),
				})
			})

			svc, err := core.NewService(serviceCfg, core.ServiceDeps{
				Bus:      memBus,
				Engines:  engines,
				Recorder: store,
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := svc.Start(ctx); err != nil {
				return err
			}

			consoleErr := make(chan error, 1)
			if addr := strings.TrimSpace(cfg.Console.Addr); addr != "" && !noConsole {
				srv := &console.Server{
					Addr:               addr,
					HostKeyPath:        cfg.Console.HostKeyPath,
					AuthorizedKeysPath: cfg.Console.AuthorizedKeysPath,
					Service:            svc,
					Bus:                memBus,
					Namespace:          serviceCfg.Namespace,
					Logger:             logger,
				}
				go func() { consoleErr <- srv.ListenAndServe(ctx) }()
			}

			select {
			case <-ctx.Done():
			case err := <-consoleErr:
				if err != nil {
					logger.Error("console failed", "err", err)
				}
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			svc.Stop(stopCtx)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&noConsole, "no-console", false, "disable the ssh operator console")
	return cmd
}

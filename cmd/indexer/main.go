package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"registryScope/internal/chain"
	"registryScope/internal/config"
	"registryScope/internal/filler"
	"registryScope/internal/ipfs"
	"registryScope/internal/storage/postgres"
	"registryScope/internal/syncer"
)

func main() {
	root := &cobra.Command{
		Use:          "indexer",
		Short:        "Workflow registry indexer",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the chain workers and fillers",
		RunE:  runIndexer,
	}

	runCmd.Flags().String("pg_dsn", "", "Postgres DSN")
	runCmd.Flags().String("ipfs_endpoint", "", "IPFS gateway base URL")
	runCmd.Flags().String("log_level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runIndexer(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.PgDSN, logger)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer store.Close()

	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	for _, chainCfg := range cfg.Chains {
		if err := store.EnsureChain(ctx, chainCfg.GlobalChainID, chainCfg.StartBlock, chainCfg.HasWasmRegistry()); err != nil {
			return err
		}
		logger.Info("chain registered",
			zap.String("chain_id", chainCfg.GlobalChainID),
			zap.Bool("wasm_registry", chainCfg.HasWasmRegistry()),
		)
	}

	gateway := ipfs.NewClient(cfg.IpfsEndpoint)

	var wg sync.WaitGroup
	for _, chainCfg := range cfg.Chains {
		chainClient, err := chain.NewClient(ctx, chainCfg.RPCURL)
		if err != nil {
			return fmt.Errorf("connect rpc for chain %s: %w", chainCfg.GlobalChainID, err)
		}
		defer chainClient.Close()

		workerCfg := syncer.Config{
			ChainID:           chainCfg.GlobalChainID,
			RegistryAddress:   common.HexToAddress(chainCfg.RegistryAddress),
			BatchSize:         chainCfg.BatchSize,
			ConfirmationDelay: chainCfg.BlockDelay,
			PollInterval:      chainCfg.PollInterval,
			RetryDelay:        chainCfg.RetryDelay,
			SyncThreshold:     chainCfg.SyncThresholdBlocks,
		}
		if chainCfg.HasWasmRegistry() {
			addr := common.HexToAddress(chainCfg.WasmRegistryAddress)
			workerCfg.WasmRegistryAddress = &addr
		}

		worker, err := syncer.NewWorker(workerCfg, chainClient, store, logger)
		if err != nil {
			return fmt.Errorf("build worker for chain %s: %w", chainCfg.GlobalChainID, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("chain worker exited", zap.Error(err))
			}
		}()
	}

	metaFiller := filler.NewMetaFiller(fillerConfig(cfg.MetaFiller), store, gateway, logger)
	wasmFiller := filler.NewWasmFiller(fillerConfig(cfg.WasmFiller), store, gateway, logger)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := metaFiller.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("meta filler exited", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := wasmFiller.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("wasm filler exited", zap.Error(err))
		}
	}()

	wg.Wait()
	return nil
}

func fillerConfig(c config.FillerConfig) filler.Config {
	return filler.Config{
		BatchSize:     c.BatchSize,
		IdleInterval:  c.IdleInterval,
		FailureWindow: c.FailureWindow,
		MaxAttempts:   c.MaxAttempts,
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

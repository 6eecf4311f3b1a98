package main

import (
	"context"
	"fmt"
	"math/big"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rival-labs/rival-agent/agent"
	"github.com/rival-labs/rival-agent/config"
	"github.com/rival-labs/rival-agent/db"
	"github.com/rival-labs/rival-agent/gamestate"
	"github.com/rival-labs/rival-agent/logger"
	"github.com/rival-labs/rival-agent/oracle"
	"github.com/rival-labs/rival-agent/search"
	"github.com/rival-labs/rival-agent/server"
)

// Set at build time via -ldflags.
var (
	Version = "dev"
	Commit  = ""
)

const journalFileName = "requests.db"

func InitRootCmd(rootCmd *cobra.Command) {
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(gameCmd())
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the rival agent server",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := cmd.Flags().GetString(flagHome)
			if err != nil {
				return err
			}
			return runStart(home)
		},
	}
}

func runStart(home string) error {
	cfg, err := config.Load(home)
	if err != nil {
		return err
	}
	if err := config.ApplyEnvOverrides(cfg); err != nil {
		return err
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat, cfg.LogSampler)
	log.Info().Str("home", cfg.NodeHome).Msg("🚀 starting rival agent...")

	prizeWei, err := parsePrize(cfg.PrizeWei)
	if err != nil {
		return err
	}

	journal, err := db.OpenFileDB(cfg.NodeHome, journalFileName, true)
	if err != nil {
		return fmt.Errorf("failed to open request journal: %w", err)
	}
	defer journal.Close()

	games, err := gamestate.NewStore(cfg.GameStateFile, log)
	if err != nil {
		return fmt.Errorf("failed to open game state: %w", err)
	}

	provider, err := oracle.New(oracle.Options{
		RPCURL:            cfg.RPCURL,
		PrivateKey:        cfg.PrivateKey,
		ContractAddress:   cfg.ContractAddress,
		NFTID:             cfg.AgentNFTID,
		ResultBackend:     cfg.ResultBackend,
		RuntimeRPCURL:     cfg.RuntimeRPCURL,
		RuntimeAccount:    cfg.RuntimeAccount,
		ReceiptTimeout:    cfg.ReceiptTimeout(),
		AcceptanceTimeout: cfg.AcceptanceTimeout(),
		ResultTimeout:     cfg.ResultTimeout(),
		ReceiptPoll:       cfg.AcceptancePollInterval(),
		AcceptancePoll:    cfg.AcceptancePollInterval(),
		ResultPoll:        cfg.ResultPollInterval(),
		Journal:           journal,
	}, log)
	if err != nil {
		return err
	}
	defer provider.Close()

	searcher := search.NewClient(cfg.TavilyAPIKey, log)
	rival := agent.New(agent.Options{PrizeWei: prizeWei}, searcher, provider, games, log)

	chain := provider.ConnectionStatus()
	log.Info().Str("agent", rival.Name()).Msg("starting agent")
	log.Info().
		Bool("connected", chain.Connected).
		Str("contract", chain.ContractAddress).
		Uint64("nft_id", chain.NFTID).
		Msg("ledger status")

	srv := server.New(rival, server.Options{Port: cfg.ServerPort, APIKey: cfg.APIKey}, log)
	if err := srv.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("🛑 shutting down rival agent...")
	if err := srv.Stop(); err != nil {
		log.Error().Err(err).Msg("server stop failed")
	}
	return nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the agent home directory with a default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := cmd.Flags().GetString(flagHome)
			if err != nil {
				return err
			}
			cfg, err := config.Load(home)
			if err != nil {
				return err
			}
			fmt.Printf("Config ready at %s\n", filepath.Join(cfg.NodeHome, "config"))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print rivald version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Name:    rivald\n")
			fmt.Printf("Version: %s\n", Version)
			fmt.Printf("Commit:  %s\n", Commit)
		},
	}
}

// parsePrize turns the configured decimal wei string into an amount. Empty
// means no prize, which still settles the game with a zero-value payout.
func parsePrize(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid prize_wei %q: must be a non-negative decimal wei amount", s)
	}
	return v, nil
}

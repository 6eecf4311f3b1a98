package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rival-labs/rival-agent/config"
	"github.com/rival-labs/rival-agent/gamestate"
)

func gameCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "game",
		Short: "Inspect and manage the shared game state",
	}
	cmd.AddCommand(gameStatusCmd())
	cmd.AddCommand(gameResetCmd())
	cmd.AddCommand(gameSetWalletCmd())
	cmd.AddCommand(gameLogsCmd())
	return cmd
}

// openGames loads the configured game state store for one-off CLI use.
func openGames(cmd *cobra.Command) (*gamestate.Store, error) {
	home, err := cmd.Flags().GetString(flagHome)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(home)
	if err != nil {
		return nil, err
	}
	return gamestate.NewStore(cfg.GameStateFile, zerolog.Nop())
}

func gameStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show current game status",
		RunE: func(cmd *cobra.Command, args []string) error {
			games, err := openGames(cmd)
			if err != nil {
				return err
			}

			state := games.State()
			stats := games.Stats()

			fmt.Println("🎮 Shared Game State Status")
			fmt.Printf("Game Blocked: %v\n", state.GameBlocked)
			blockedBy := "N/A"
			if state.BlockedBy != nil {
				blockedBy = *state.BlockedBy
			}
			fmt.Printf("Blocked By: %s\n", blockedBy)
			fmt.Printf("Last Updated: %s\n", state.LastUpdated)
			fmt.Printf("State Version: %d\n", state.Version)

			if state.Winner != nil {
				w := state.Winner
				fmt.Println("\n👑 Winner Information:")
				fmt.Printf("  Detected At: %s\n", w.DetectedAt)
				fmt.Printf("  Blocked By: %s\n", w.BlockedBy)
				wallet := "Not provided"
				if w.WalletAddress != nil {
					wallet = *w.WalletAddress
				}
				fmt.Printf("  Wallet Address: %s\n", wallet)
				fmt.Printf("  Prize Sent: %v\n", w.PrizeSent)
				if w.PrizeSent {
					fmt.Printf("  Prize Amount: %s wei\n", w.PrizeAmount)
					fmt.Printf("  Prize TX Hash: %s\n", w.PrizeTxHash)
				}
			}

			fmt.Println("\n📊 Statistics:")
			fmt.Printf("  State File: %v\n", stats["state_file"])
			fmt.Printf("  Winner Has Wallet: %v\n", stats["winner_has_wallet"])
			return nil
		},
	}
}

func gameResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset the game state for a new game",
		RunE: func(cmd *cobra.Command, args []string) error {
			games, err := openGames(cmd)
			if err != nil {
				return err
			}
			if !games.Reset() {
				return fmt.Errorf("failed to reset game state")
			}
			fmt.Println("✅ Game state reset successfully!")
			return nil
		},
	}
}

func gameSetWalletCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-wallet <address>",
		Short: "Set the winner's wallet address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			games, err := openGames(cmd)
			if err != nil {
				return err
			}
			if !games.SetWinnerWallet(args[0]) {
				return fmt.Errorf("failed to set wallet address: game must be blocked and address must be a valid 0x address")
			}
			fmt.Println("✅ Wallet address set successfully!")
			return nil
		},
	}
}

func gameLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "Show recent game events",
		RunE: func(cmd *cobra.Command, args []string) error {
			games, err := openGames(cmd)
			if err != nil {
				return err
			}

			f, err := os.Open(games.EventLogPath())
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No log file found")
					return nil
				}
				return err
			}
			defer f.Close()

			var lines []string
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				lines = append(lines, scanner.Text())
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			if len(lines) > 10 {
				lines = lines[len(lines)-10:]
			}

			fmt.Println("📋 Recent Game Events")
			for _, line := range lines {
				var entry struct {
					Timestamp string         `json:"timestamp"`
					EventType string         `json:"event_type"`
					Details   map[string]any `json:"details"`
				}
				if err := json.Unmarshal([]byte(line), &entry); err != nil {
					continue
				}
				fmt.Printf("%s - %s\n", entry.Timestamp, entry.EventType)
				switch entry.EventType {
				case "GAME_BLOCKED":
					fmt.Printf("  Blocked by: %v\n", entry.Details["blocked_by"])
				case "WALLET_PROVIDED":
					fmt.Printf("  Wallet: %v\n", entry.Details["wallet_address"])
				case "PRIZE_SENT":
					fmt.Printf("  Recipient: %v\n", entry.Details["recipient"])
					fmt.Printf("  Amount: %v wei\n", entry.Details["amount"])
					fmt.Printf("  TX Hash: %v\n", entry.Details["tx_hash"])
				}
			}
			return nil
		},
	}
}

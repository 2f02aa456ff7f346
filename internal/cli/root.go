// Package cli implements the tacit-agent command line: identity setup,
// intent management, proposal handling, and the long-running agent loop.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tacitprotocol/tacit-sub000/internal/agent"
	"github.com/tacitprotocol/tacit-sub000/internal/client"
	"github.com/tacitprotocol/tacit-sub000/internal/storage"
)

var (
	storePath   string
	relayURL    string
	profilePath string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:           "tacit-agent",
	Short:         "Consensual agent introductions over a tacit relay",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "tacit-agent.db", "path to the agent's state database")
	rootCmd.PersistentFlags().StringVar(&relayURL, "relay", "ws://localhost:9520/ws", "relay websocket URL")
	rootCmd.PersistentFlags().StringVar(&profilePath, "profile", "", "path to a JSON profile file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func logger() zerolog.Logger {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)
	if verbose {
		log = log.Level(zerolog.DebugLevel)
	}
	return log
}

func openStore() (storage.Store, error) {
	return storage.NewSQLiteStore(storePath)
}

func loadProfile() (agent.Profile, error) {
	var p agent.Profile
	if profilePath == "" {
		return p, nil
	}
	raw, err := os.ReadFile(profilePath)
	if err != nil {
		return p, fmt.Errorf("read profile: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("parse profile: %w", err)
	}
	return p, nil
}

// loadAgent opens the store and restores the persisted agent. The caller
// owns the agent and must call Shutdown, which also closes the store.
func loadAgent() (*agent.Agent, error) {
	profile, err := loadProfile()
	if err != nil {
		return nil, err
	}
	store, err := openStore()
	if err != nil {
		return nil, err
	}
	a, err := agent.Load(store, profile, logger())
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

// connectAgent attaches a relay client. Connection failures are reported but
// not fatal; the agent keeps operating on local state.
func connectAgent(a *agent.Agent, log zerolog.Logger) bool {
	link := client.New(client.DefaultConfig(relayURL), a.Identity(), log)
	if err := a.Connect(link); err != nil {
		log.Warn().Err(err).Str("relay", relayURL).Msg("relay unreachable, continuing offline")
		return false
	}
	return true
}

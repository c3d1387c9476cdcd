package cli

import (
	"os"
	"path/filepath"

	"github.com/compemperor/engram/internal/client"
	"github.com/compemperor/engram/internal/config"
	"github.com/spf13/cobra"
)

var (
	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "Long-lived memory for learning agents",
	Long: "Engram keeps an agent's knowledge alive: it gates what gets remembered, " +
		"lets unused memories fade, links related ones and consolidates them in the background.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server URL (default $ENGRAM_URL or the configured listen address)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(relatedCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(mirrorCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(rebuildIndexCmd)
}

// defaultConfigPath returns ~/.engram/config.yaml, or "" when the home
// directory is unknown.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".engram", "config.yaml")
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

// newClient resolves the server URL from --server, $ENGRAM_URL, then the
// configured listen address.
func newClient() *client.Client {
	url := serverURL
	if url == "" && os.Getenv("ENGRAM_URL") == "" {
		if cfg, err := loadConfig(); err == nil {
			url = "http://" + cfg.ListenAddr()
		}
	}
	return client.New(url)
}

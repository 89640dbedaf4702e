// Package cmd provides the command-line interface for linkrecall.
// It handles command parsing, configuration loading, and wiring of the
// store, enrichment pool, search engine and RPC servers.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/masahif/linkrecall/internal/ai"
	"github.com/masahif/linkrecall/internal/config"
	"github.com/masahif/linkrecall/internal/enrich"
	"github.com/masahif/linkrecall/internal/extractor"
	"github.com/masahif/linkrecall/internal/logging"
	"github.com/masahif/linkrecall/internal/rpc"
	"github.com/masahif/linkrecall/internal/search"
	"github.com/masahif/linkrecall/internal/storage"
	"github.com/masahif/linkrecall/internal/vectorindex"
)

var (
	cfgFile   string
	version   string
	buildTime string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "linkrecall",
	Short: "Search your browsing history by keyword and meaning",
	Long: `LinkRecall imports browser history databases, enriches every visited
page with a summary, keywords and an embedding, and answers hybrid
keyword and semantic queries over the result.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showConfig, _ := cmd.Flags().GetBool("show-config"); showConfig {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return showCurrentConfig(cmd.OutOrStdout(), cfg)
		}
		return cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// SIGINT and SIGTERM cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// SetVersionInfo sets version information for the CLI
func SetVersionInfo(v, bt string) {
	version = v
	buildTime = bt
	rootCmd.Version = fmt.Sprintf("%s (built %s)", version, buildTime)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./linkrecall.yml)")
	rootCmd.PersistentFlags().StringP("database", "d", "./linkrecall.db", "Path to SQLite database file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format: json or text")
	rootCmd.PersistentFlags().String("log-file", "", "Also write logs to this file (rotated)")
	rootCmd.PersistentFlags().String("provider", config.ProviderLocal, "Model provider: local, openai or ollama")

	rootCmd.Flags().Bool("show-config", false, "Display current configuration in YAML format and exit")

	bindFlags(rootCmd, []flagBinding{
		{"database_path", "database"},
		{"log.level", "log-level"},
		{"log.format", "log-format"},
		{"log.file", "log-file"},
		{"models.provider", "provider"},
	})

	rootCmd.AddCommand(importCmd, importsCmd, enrichCmd, searchCmd, statsCmd, timelineCmd, queueCmd, requeueCmd, serveCmd, mcpCmd)
}

type flagBinding struct {
	viperKey string
	flagName string
}

// bindFlags binds local or persistent flags of cmd to viper keys
func bindFlags(cmd *cobra.Command, binds []flagBinding) {
	for _, bind := range binds {
		flag := cmd.Flags().Lookup(bind.flagName)
		if flag == nil {
			flag = cmd.PersistentFlags().Lookup(bind.flagName)
		}
		if err := viper.BindPFlag(bind.viperKey, flag); err != nil {
			// Log the error but continue - non-critical for operation
			fmt.Fprintf(os.Stderr, "Warning: failed to bind flag %s: %v\n", bind.flagName, err)
		}
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("linkrecall")
	}

	registerDefaults()
	viper.AutomaticEnv()
	viper.SetEnvPrefix("LR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// registerDefaults makes every config key known to viper so that
// environment variables such as LR_WORKER_CONCURRENCY apply to keys that
// appear in no config file
func registerDefaults() {
	data, err := yaml.Marshal(config.DefaultConfig())
	if err != nil {
		return
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return
	}
	setDefaults("", tree)
}

func setDefaults(prefix string, tree map[string]any) {
	for key, value := range tree {
		if sub, ok := value.(map[string]any); ok {
			setDefaults(prefix+key+".", sub)
			continue
		}
		viper.SetDefault(prefix+key, value)
	}
}

// loadConfig merges defaults, config file, environment and flags
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Worker.UserAgent == "LinkRecall/1.0" && version != "" && version != "dev" {
		cfg.Worker.UserAgent = "LinkRecall/" + version
	}
	return cfg, nil
}

func showCurrentConfig(w io.Writer, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Configuration validation failed: %v\n", err)
		fmt.Fprintf(os.Stderr, "Displaying configuration anyway...\n\n")
	}

	shown := *cfg
	if shown.Models.APIKey != "" {
		shown.Models.APIKey = "********"
	}
	yamlData, err := yaml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration to YAML: %w", err)
	}

	fmt.Fprintf(w, "# Current LinkRecall Configuration\n")
	fmt.Fprintf(w, "# Generated at: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(w, "# Configuration file search paths: ./linkrecall.yml\n")
	fmt.Fprintf(w, "# Environment variables prefix: LR_\n\n")

	fmt.Fprint(w, string(yamlData))

	fmt.Fprintf(w, "\n# Configuration source priority:\n")
	fmt.Fprintf(w, "# 1. Command-line arguments (highest priority)\n")
	fmt.Fprintf(w, "# 2. Environment variables (LR_ prefix)\n")
	fmt.Fprintf(w, "# 3. Configuration file (linkrecall.yml)\n")
	fmt.Fprintf(w, "# 4. Default values (lowest priority)\n")
	return nil
}

// app holds the components one command invocation works with
type app struct {
	cfg      *config.Config
	store    *storage.Store
	index    *vectorindex.SQLiteIndex
	caps     *ai.Capabilities
	engine   *search.Engine
	importer *extractor.Importer
	logs     io.Closer
}

// openApp validates cfg, installs the logger and opens the store
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logs, err := logging.SetDefault(logging.Config{
		Level:      logging.ParseLevel(cfg.Log.Level),
		Format:     cfg.Log.Format,
		FilePath:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		Console:    os.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			_ = logs.Close()
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	backoff := enrich.NewBackoff(cfg.Queue.BackoffBase, cfg.Queue.BackoffCeiling)
	store, err := storage.Open(ctx, cfg.DatabasePath, storage.OptionsFromConfig(cfg, backoff))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	a := &app{cfg: cfg, store: store, logs: logs, importer: extractor.NewImporter(store)}

	a.index, err = vectorindex.NewSQLiteIndex(ctx, store.DB(), 0)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}

	a.caps, err = ai.New(cfg.Models, cfg.GetAPIKey())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize model provider: %w", err)
	}

	a.engine = search.NewEngine(store, a.caps.Embedder, a.index, search.OptionsFromConfig(cfg.Search))
	return a, nil
}

func (a *app) dispatcher() *rpc.Dispatcher {
	return rpc.NewDispatcher(a.store, a.engine, a.importer, a.index)
}

func (a *app) Close() {
	_ = a.store.Close()
	_ = a.logs.Close()
}

// withApp loads configuration, opens the app and runs fn with it
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

package cmd

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	_ "modernc.org/sqlite"

	"github.com/masahif/linkrecall/internal/config"
)

func TestSetVersionInfo(t *testing.T) {
	version := "1.2.3"
	buildTime := "2023-12-01T10:00:00Z"

	SetVersionInfo(version, buildTime)

	expected := "1.2.3 (built 2023-12-01T10:00:00Z)"
	if rootCmd.Version != expected {
		t.Errorf("Expected version %s, got %s", expected, rootCmd.Version)
	}
}

func TestExecute(t *testing.T) {
	origArgs := os.Args
	defer func() { os.Args = origArgs }()

	os.Args = []string{"linkrecall", "--help"}
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	defer rootCmd.SetOut(nil)

	if err := Execute(); err != nil {
		t.Errorf("Execute with help returned: %v", err)
	}
	if !strings.Contains(out.String(), "linkrecall") {
		t.Errorf("Help output does not mention the command: %q", out.String())
	}
}

func TestInitConfig(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "config.yaml")

	configContent := `
worker:
  concurrency: 7
  request_delay: 2s
  user_agent: "TestAgent/1.0"
search:
  keyword_weight: 0.3
  vector_weight: 0.7
`
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	cfgFile = configFile
	defer func() {
		cfgFile = ""
		viper.Reset()
	}()

	initConfig()

	if viper.ConfigFileUsed() != configFile {
		t.Errorf("Expected config file %s, got %s", configFile, viper.ConfigFileUsed())
	}

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Worker.Concurrency != 7 {
		t.Errorf("Expected concurrency 7, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.RequestDelay != 2*time.Second {
		t.Errorf("Expected request delay 2s, got %v", cfg.Worker.RequestDelay)
	}
	if cfg.Worker.UserAgent != "TestAgent/1.0" {
		t.Errorf("Expected user agent TestAgent/1.0, got %s", cfg.Worker.UserAgent)
	}
	if cfg.Search.VectorWeight != 0.7 {
		t.Errorf("Expected vector weight 0.7, got %v", cfg.Search.VectorWeight)
	}
	// keys absent from the file keep their defaults
	if cfg.Queue.MaxRetries != config.DefaultConfig().Queue.MaxRetries {
		t.Errorf("Expected default max retries, got %d", cfg.Queue.MaxRetries)
	}
}

func TestInitConfigEnvironment(t *testing.T) {
	t.Setenv("LR_QUEUE_MAX_RETRIES", "9")
	t.Setenv("LR_MODELS_PROVIDER", "ollama")
	defer viper.Reset()

	viper.Reset()
	initConfig()

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Queue.MaxRetries != 9 {
		t.Errorf("Expected max retries 9 from LR_QUEUE_MAX_RETRIES, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Models.Provider != "ollama" {
		t.Errorf("Expected provider ollama from LR_MODELS_PROVIDER, got %s", cfg.Models.Provider)
	}
}

func TestRootCmd(t *testing.T) {
	if rootCmd.Use != "linkrecall" {
		t.Errorf("Expected use 'linkrecall', got %s", rootCmd.Use)
	}
	if rootCmd.RunE == nil {
		t.Error("RunE should be set")
	}

	want := []string{"import", "imports", "enrich", "search", "stats", "timeline", "queue", "requeue", "serve", "mcp"}
	for _, name := range want {
		sub, _, err := rootCmd.Find([]string{name})
		if err != nil || sub == rootCmd {
			t.Errorf("Expected subcommand %s to be registered", name)
		}
	}
}

func TestFlagBinding(t *testing.T) {
	persistent := []string{"config", "database", "log-level", "log-format", "log-file", "provider"}
	for _, name := range persistent {
		if rootCmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("Expected persistent flag %s to be defined", name)
		}
	}
	if rootCmd.Flags().Lookup("show-config") == nil {
		t.Error("Expected flag show-config to be defined")
	}

	local := map[string][]string{
		"import":   {"device", "force"},
		"enrich":   {"drain", "concurrency", "request-delay", "user-agent"},
		"search":   {"limit", "domain", "tag", "start", "end"},
		"timeline": {"group-by", "start", "end", "domain"},
		"serve":    {"addr"},
	}
	for name, flags := range local {
		sub, _, err := rootCmd.Find([]string{name})
		if err != nil {
			t.Fatalf("Find(%s) failed: %v", name, err)
		}
		for _, flag := range flags {
			if sub.Flags().Lookup(flag) == nil {
				t.Errorf("Expected flag %s on %s", flag, name)
			}
		}
	}
}

func TestShowCurrentConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Models.APIKey = "sk-secret"

	var out bytes.Buffer
	if err := showCurrentConfig(&out, cfg); err != nil {
		t.Fatalf("showCurrentConfig failed: %v", err)
	}
	text := out.String()
	if strings.Contains(text, "sk-secret") {
		t.Error("API key should be masked")
	}
	for _, want := range []string{"# Current LinkRecall Configuration", "database_path:", "LR_"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected output to contain %q", want)
		}
	}
	if cfg.Models.APIKey != "sk-secret" {
		t.Error("showCurrentConfig must not modify its argument")
	}

	if err := showCurrentConfig(&out, nil); err == nil {
		t.Error("Expected error for nil configuration")
	}
}

const chromiumEpochSeconds = 11644473600

func chromiumFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "History")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("Failed to create fixture: %v", err)
	}
	defer func() { _ = db.Close() }()

	at := func(ts time.Time) string {
		return strconv.FormatInt(ts.UnixMicro()+chromiumEpochSeconds*1_000_000, 10)
	}
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	stmts := []string{
		`CREATE TABLE urls (id INTEGER PRIMARY KEY, url LONGVARCHAR, title LONGVARCHAR, visit_count INTEGER DEFAULT 0)`,
		`CREATE TABLE visits (id INTEGER PRIMARY KEY, url INTEGER NOT NULL, visit_time INTEGER NOT NULL)`,
		`INSERT INTO urls (id, url, title) VALUES
			(1, 'https://go.dev/doc/', 'Go Documentation'),
			(2, 'https://sqlite.org/wal.html', 'Write-Ahead Logging'),
			(3, 'chrome://settings', 'Settings')`,
		`INSERT INTO visits (id, url, visit_time) VALUES
			(1, 1, ` + at(base) + `),
			(2, 1, ` + at(base.Add(time.Hour)) + `),
			(3, 2, ` + at(base.Add(2*time.Hour)) + `),
			(4, 3, ` + at(base.Add(3*time.Hour)) + `)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("Fixture statement failed: %v\n%s", err, stmt)
		}
	}
	return path
}

// runCLI executes rootCmd with a fresh viper state and a config file
// pointing at dbPath
func runCLI(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	defer viper.Reset()

	configFile := filepath.Join(filepath.Dir(dbPath), "linkrecall.yml")
	if err := os.MkdirAll(filepath.Dir(configFile), 0750); err != nil {
		t.Fatalf("Failed to create config directory: %v", err)
	}
	content := "database_path: " + dbPath + "\nlog:\n  level: error\n  format: text\n"
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append([]string{"--config", configFile}, args...))
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		cfgFile = ""
	}()

	err := rootCmd.Execute()
	return out.String(), err
}

func TestImportStatsSearch(t *testing.T) {
	history := chromiumFixture(t)
	dbPath := filepath.Join(t.TempDir(), "data", "linkrecall.db")

	out, err := runCLI(t, dbPath, "import", history)
	if err != nil {
		t.Fatalf("import failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "3 visits") || !strings.Contains(out, "2 URLs") {
		t.Errorf("Unexpected import report: %q", out)
	}

	out, err = runCLI(t, dbPath, "import", history)
	if err != nil {
		t.Fatalf("second import failed: %v", err)
	}
	if !strings.Contains(out, "already imported") {
		t.Errorf("Expected re-import to be skipped: %q", out)
	}

	out, err = runCLI(t, dbPath, "stats")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	var stats struct {
		TotalURLs    int `json:"total_urls"`
		TotalVisits  int `json:"total_visits"`
		PendingCount   int  `json:"pending_count"`
		IndexedVectors *int `json:"indexed_vectors"`
	}
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("stats output is not JSON: %v\n%s", err, out)
	}
	if stats.TotalURLs != 2 || stats.TotalVisits != 3 || stats.PendingCount != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.IndexedVectors == nil || *stats.IndexedVectors != 0 {
		t.Errorf("Expected indexed_vectors 0 before enrichment, got %v", stats.IndexedVectors)
	}

	out, err = runCLI(t, dbPath, "imports")
	if err != nil {
		t.Fatalf("imports failed: %v", err)
	}
	var ledger []struct {
		Dialect  string `json:"dialect"`
		DeviceID string `json:"source_device_id"`
	}
	if err := json.Unmarshal([]byte(out), &ledger); err != nil {
		t.Fatalf("imports output is not JSON: %v\n%s", err, out)
	}
	if len(ledger) != 1 || ledger[0].Dialect != "chromium" {
		t.Errorf("Expected one chromium import, got %s", out)
	}

	out, err = runCLI(t, dbPath, "search", "documentation")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	var resp struct {
		Results []struct {
			URL struct {
				NormalizedURL string `json:"normalized_url"`
			} `json:"url"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("search output is not JSON: %v\n%s", err, out)
	}
	if len(resp.Results) == 0 || !strings.HasPrefix(resp.Results[0].URL.NormalizedURL, "https://go.dev/doc") {
		t.Errorf("Expected go.dev/doc first, got %s", out)
	}

	if _, err := runCLI(t, dbPath, "timeline", "--group-by", "week"); err == nil {
		t.Error("Expected error for unknown group-by")
	}
}

func TestImportMissingFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "linkrecall.db")
	out, err := runCLI(t, dbPath, "import", filepath.Join(t.TempDir(), "missing.db"))
	if err == nil {
		t.Fatal("Expected error for missing history file")
	}
	if !strings.Contains(out, "failed") {
		t.Errorf("Expected failure line in output: %q", out)
	}
}

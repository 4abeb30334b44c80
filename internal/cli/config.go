package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/fusion/pkg/fusion"
)

// ConfigFileName is the project config file looked up in the working
// directory.
const ConfigFileName = ".fusion.json"

var (
	errConfigFileNotFound = errors.New("config file not found")
	errConfigFileRead     = errors.New("cannot read config file")
	errConfigInvalid      = errors.New("invalid config")
	errWorldEmpty         = errors.New("world cannot be empty")
)

// Config holds all configuration options. Sizes are strings so config files
// can say "64 MiB".
type Config struct {
	World           string `json:"world"`
	Dir             string `json:"dir,omitempty"`
	HeapSize        string `json:"heap_size,omitempty"`     //nolint:tagliatelle // snake_case for config file
	MaxHeapSize     string `json:"max_heap_size,omitempty"` //nolint:tagliatelle // snake_case for config file
	QueueDepth      int    `json:"queue_depth,omitempty"`   //nolint:tagliatelle // snake_case for config file
	FinalFreeBlocks int    `json:"final_free_blocks,omitempty"` //nolint:tagliatelle // snake_case for config file

	// Resolved at load time, not part of the file format.
	EffectiveCwd string        `json:"-"`
	Sources      ConfigSources `json:"-"`
}

// ConfigSources tracks which config files were loaded.
type ConfigSources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project or explicit config if loaded, empty otherwise
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{World: "default"}
}

// globalConfigPath returns $XDG_CONFIG_HOME/fusionctl/config.json, falling
// back to ~/.config/fusionctl/config.json. Empty if neither can be
// determined.
func globalConfigPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "fusionctl", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "fusionctl", "config.json")
	}

	return ""
}

// LoadConfig loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/fusionctl/config.json)
// 3. Project config file in workDir (.fusion.json, if exists)
// 4. Explicit config file via configPath (if non-empty, replaces 3)
// 5. CLI overrides (non-zero fields of overrides).
func LoadConfig(workDir, configPath string, overrides Config, env map[string]string) (Config, error) {
	cfg := DefaultConfig()

	if path := globalConfigPath(env); path != "" {
		globalCfg, loaded, err := loadConfigFile(path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg = mergeConfig(cfg, globalCfg)
			cfg.Sources.Global = path
		}
	}

	projectCfg, projectPath, err := loadProjectConfig(workDir, configPath)
	if err != nil {
		return Config{}, err
	}

	cfg = mergeConfig(cfg, projectCfg)
	cfg.Sources.Project = projectPath

	cfg = mergeConfig(cfg, overrides)
	cfg.EffectiveCwd = workDir

	if cfg.Dir != "" && !filepath.IsAbs(cfg.Dir) {
		cfg.Dir = filepath.Join(workDir, cfg.Dir)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	if configPath == "" {
		path := filepath.Join(workDir, ConfigFileName)

		cfg, loaded, err := loadConfigFile(path, false)
		if err != nil || !loaded {
			return Config{}, "", err
		}

		return cfg, path, nil
	}

	path := configPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}

	if _, err := os.Stat(path); err != nil {
		return Config{}, "", fmt.Errorf("%w: %s", errConfigFileNotFound, configPath)
	}

	cfg, _, err := loadConfigFile(path, true)
	if err != nil {
		return Config{}, "", err
	}

	return cfg, path, nil
}

// loadConfigFile loads a config file. If mustExist is false, a missing file
// is not an error and reports loaded=false.
func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s", errConfigFileRead, path)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	var raw map[string]any

	_ = json.Unmarshal(standardized, &raw)

	if val, ok := raw["world"].(string); ok && val == "" {
		return Config{}, errWorldEmpty
	}

	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.World != "" {
		base.World = overlay.World
	}

	if overlay.Dir != "" {
		base.Dir = overlay.Dir
	}

	if overlay.HeapSize != "" {
		base.HeapSize = overlay.HeapSize
	}

	if overlay.MaxHeapSize != "" {
		base.MaxHeapSize = overlay.MaxHeapSize
	}

	if overlay.QueueDepth != 0 {
		base.QueueDepth = overlay.QueueDepth
	}

	if overlay.FinalFreeBlocks != 0 {
		base.FinalFreeBlocks = overlay.FinalFreeBlocks
	}

	return base
}

func validateConfig(cfg Config) error {
	if cfg.World == "" {
		return errWorldEmpty
	}

	opts, err := cfg.Options()
	if err == nil {
		_, err = opts.Resolve()
	}

	if err != nil {
		return fmt.Errorf("%w: %w", errConfigInvalid, err)
	}

	return nil
}

// Options converts the config into [fusion.Options]. Size strings accept
// humanized forms like "256KiB" or "1 GB".
func (c Config) Options() (fusion.Options, error) {
	opts := fusion.Options{
		Dir:             c.Dir,
		QueueDepth:      c.QueueDepth,
		FinalFreeBlocks: c.FinalFreeBlocks,
	}

	var err error

	if opts.HeapSize, err = parseSize("heap_size", c.HeapSize); err != nil {
		return opts, err
	}

	if opts.MaxHeapSize, err = parseSize("max_heap_size", c.MaxHeapSize); err != nil {
		return opts, err
	}

	return opts, nil
}

func parseSize(field, s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}

	return n, nil
}

// FormatConfig returns the config as formatted JSON.
func FormatConfig(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}

	return string(data), nil
}

// Package config loads cfgchain settings from defaults, an optional YAML
// file, CFGCHAIN_* environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"cfgchain/internal/guard"
	"cfgchain/internal/report"
)

const (
	EnvPrefix = "CFGCHAIN"
	FileName  = ".cfgchain"

	DefaultDepth = 3
)

// Config is the resolved configuration of one cfgchain invocation.
type Config struct {
	Depth             int    `mapstructure:"depth" json:"depth" jsonschema:"title=Depth,description=Number of backward call hops explored by search,minimum=1,default=3"`
	IncludeSuppressed bool   `mapstructure:"include_suppressed" json:"include_suppressed" jsonschema:"title=Include Suppressed,description=Treat export suppressed functions as valid targets"`
	MaxExpansions     int    `mapstructure:"max_expansions" json:"max_expansions" jsonschema:"title=Max Expansions,description=Upper bound on expanded nodes per search (0 selects the built-in limit),minimum=0"`
	Prune             bool   `mapstructure:"prune" json:"prune" jsonschema:"title=Prune,description=Skip re-expanding functions already expanded with at least the same remaining depth"`
	ShortNames        bool   `mapstructure:"short_names" json:"short_names" jsonschema:"title=Short Names,description=Omit parameter lists from demangled names"`
	Output            string `mapstructure:"output" json:"output" jsonschema:"title=Output,description=Report format,enum=text,enum=json,enum=yaml,default=text"`
	NoColor           bool   `mapstructure:"no_color" json:"no_color" jsonschema:"title=No Color,description=Disable styled output"`
	Debug             bool   `mapstructure:"debug" json:"debug" jsonschema:"title=Debug,description=Enable debug logging"`

	Follow FollowConfig `mapstructure:"follow" json:"follow" jsonschema:"title=Follow,description=Settings for the follow command"`
}

// FollowConfig controls how the follow command tails its targets file.
type FollowConfig struct {
	Poll      bool `mapstructure:"poll" json:"poll" jsonschema:"description=Poll the file instead of using filesystem notifications"`
	FromStart bool `mapstructure:"from_start" json:"from_start" jsonschema:"description=Process lines already present in the file"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Depth:  DefaultDepth,
		Output: string(report.FormatText),
		Follow: FollowConfig{FromStart: true},
	}
}

// New returns a viper instance carrying the defaults and environment
// bindings.
func New() *viper.Viper {
	v := viper.New()
	d := Defaults()
	v.SetDefault("depth", d.Depth)
	v.SetDefault("include_suppressed", d.IncludeSuppressed)
	v.SetDefault("max_expansions", d.MaxExpansions)
	v.SetDefault("prune", d.Prune)
	v.SetDefault("short_names", d.ShortNames)
	v.SetDefault("output", d.Output)
	v.SetDefault("no_color", d.NoColor)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("follow.poll", d.Follow.Poll)
	v.SetDefault("follow.from_start", d.Follow.FromStart)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds flags to keys. A flag only overrides lower layers when
// it was set explicitly.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the config file at path, or $HOME/.cfgchain.yaml when path is
// empty, and resolves the final configuration. A missing default file is
// not an error.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.Depth < 1 {
		return fmt.Errorf("%w: depth must be at least 1, got %d", guard.ErrInvalidDepth, c.Depth)
	}
	if c.MaxExpansions < 0 {
		return fmt.Errorf("max_expansions must not be negative, got %d", c.MaxExpansions)
	}
	if _, err := report.ParseFormat(c.Output); err != nil {
		return err
	}
	return nil
}

// SearchOptions converts the search related settings.
func (c Config) SearchOptions() guard.Options {
	return guard.Options{
		MaxDepth:          c.Depth,
		IncludeSuppressed: c.IncludeSuppressed,
		MaxExpansions:     c.MaxExpansions,
		Prune:             c.Prune,
	}
}

// NameOptions converts the naming settings.
func (c Config) NameOptions() guard.NameOptions {
	return guard.NameOptions{Short: c.ShortNames}
}

// Format returns the validated output format.
func (c Config) Format() report.Format {
	f, err := report.ParseFormat(c.Output)
	if err != nil {
		return report.FormatText
	}
	return f
}

// Schema returns the JSON schema of the config file.
func Schema() ([]byte, error) {
	reflector := new(jsonschema.Reflector)
	bts, err := json.MarshalIndent(reflector.Reflect(&Config{}), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return bts, nil
}

// DefaultPath is where Load looks when no file is given.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return FileName + ".yaml"
	}
	return filepath.Join(home, FileName+".yaml")
}

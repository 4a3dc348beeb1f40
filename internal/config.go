package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/hbomb79/Harmony/internal/api"
	"github.com/hbomb79/Harmony/internal/database"
	"github.com/hbomb79/Harmony/internal/dispatch"
	"github.com/hbomb79/Harmony/internal/job"
	"github.com/hbomb79/Harmony/internal/resolve"
	"github.com/hbomb79/Harmony/internal/tool"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
)

// StagingDirName is the name of the staging directory created inside
// the library when no explicit staging directory is configured. Being
// hidden, the resolver ignores it when indexing the library.
const StagingDirName = ".staging"

// HarmonyConfig is the struct used to contain the
// various user config supplied by file and/or environment.
type HarmonyConfig struct {
	OwnerID    string                  `yaml:"owner_id" env:"HARMONY_OWNER_ID" env-required:"true" validate:"required"`
	Library    resolve.Config          `yaml:"library"`
	Probe      resolve.ProbeConfig     `yaml:"probe"`
	Jobs       job.Config              `yaml:"jobs"`
	Dispatch   dispatch.Config         `yaml:"dispatch"`
	Tool       tool.Config             `yaml:"tool"`
	Database   database.DatabaseConfig `yaml:"database"`
	RestConfig api.RestConfig          `yaml:"api"`
}

// LoadConfig populates a HarmonyConfig from the YAML file at the path
// provided (if any) and the environment. Variables in a '.env' file
// in the working directory are loaded in to the environment first.
func LoadConfig(configPath string) (*HarmonyConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	config := &HarmonyConfig{}
	if configPath != "" {
		path, err := homedir.Expand(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to expand config path '%s': %w", configPath, err)
		}
		if err := cleanenv.ReadConfig(path, config); err != nil {
			return nil, fmt.Errorf("failed to load configuration from %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load configuration from environment: %w", err)
	}

	if err := config.normalise(); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("configuration is invalid: %w", err)
	}

	return config, nil
}

// normalise expands any '~' in the configured paths and derives
// the staging directory from the library when it is not set.
func (config *HarmonyConfig) normalise() error {
	paths := []*string{&config.Library.LibraryDir, &config.Jobs.StagingDir, &config.Dispatch.CookiesPath}
	if config.Database.Dialect == database.SqliteDialect {
		paths = append(paths, &config.Database.Path)
	}

	for _, path := range paths {
		if *path == "" {
			continue
		}

		expanded, err := homedir.Expand(*path)
		if err != nil {
			return fmt.Errorf("failed to expand path '%s': %w", *path, err)
		}
		*path = expanded
	}

	if config.Jobs.StagingDir == "" && config.Library.LibraryDir != "" {
		config.Jobs.StagingDir = filepath.Join(config.Library.LibraryDir, StagingDirName)
	}

	return nil
}

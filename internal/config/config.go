package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Config holds the directory layout and naming conventions used by the packager.
// Zero-valued fields are filled with defaults by Validate, so an empty file
// (or no file at all) reproduces the standard layout.
type Config struct {
	// SourceRoot is the dataset root containing the split folders and data.yaml.
	SourceRoot string `yaml:"source_root"`
	// StagingDir is the temporary tree assembled before archiving.
	// It is removed and recreated on every run.
	StagingDir string `yaml:"staging_dir"`
	// ArchiveName is the output zip produced next to the staging tree.
	ArchiveName string `yaml:"archive_name"`
	// BundleName is the optional zip of training images extracted in place.
	BundleName string `yaml:"bundle_name"`
	// WeightsFile is the optional model weights file copied into the staging root.
	WeightsFile string `yaml:"weights_file"`
	// DataConfigName is the dataset configuration file whose path tokens are rewritten.
	DataConfigName string `yaml:"data_config"`
	// ImagePattern is the glob filter applied when copying split images.
	ImagePattern string `yaml:"image_pattern"`
}

const (
	// DefaultConfigFilename is the default filename for packager settings.
	DefaultConfigFilename = "dataset-packager-settings.yaml"

	// DefaultSourceRoot is where the raw dataset tree is expected.
	DefaultSourceRoot = "dataset/images/train"

	// DefaultStagingDir is the staging tree assembled before archiving.
	DefaultStagingDir = "colab_dataset"

	// DefaultArchiveName is the archive uploaded to the notebook environment.
	DefaultArchiveName = "colab_dataset.zip"

	// DefaultBundleName is the optional compressed bundle of training images.
	DefaultBundleName = "images.zip"

	// DefaultWeightsFile is the optional model weights file at the invocation root.
	DefaultWeightsFile = "yolov8m.pt"

	// DefaultDataConfigName is the dataset configuration file.
	DefaultDataConfigName = "data.yaml"

	// DefaultImagePattern matches the image files copied per split.
	DefaultImagePattern = "*.jpg"

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errStagingEqualsSource is returned when staging would destroy the source tree.
	errStagingEqualsSource = errors.New("staging directory must differ from source root")
)

// Default returns a configuration with every field at its standard value.
func Default() *Config {
	cfg := new(Config)
	// Validate cannot fail on a zero value, it only fills defaults.
	_ = Validate(cfg)

	return cfg
}

// Load reads configuration from the provided path and validates essential fields.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadOrDefault reads configuration from the provided path,
// falling back to defaults when the file does not exist.
// The tool is required to work with no arguments and no settings file.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}

	return cfg, err
}

// Save writes the configuration to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate fills unset fields with defaults and checks the result for sanity.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.SourceRoot == "" {
		cfg.SourceRoot = DefaultSourceRoot
	}

	if cfg.StagingDir == "" {
		cfg.StagingDir = DefaultStagingDir
	}

	if cfg.ArchiveName == "" {
		cfg.ArchiveName = DefaultArchiveName
	}

	if cfg.BundleName == "" {
		cfg.BundleName = DefaultBundleName
	}

	if cfg.WeightsFile == "" {
		cfg.WeightsFile = DefaultWeightsFile
	}

	if cfg.DataConfigName == "" {
		cfg.DataConfigName = DefaultDataConfigName
	}

	if cfg.ImagePattern == "" {
		cfg.ImagePattern = DefaultImagePattern
	}

	if filepath.Clean(cfg.StagingDir) == filepath.Clean(cfg.SourceRoot) {
		return errStagingEqualsSource
	}

	if !doublestar.ValidatePattern(cfg.ImagePattern) {
		return fmt.Errorf("invalid image pattern %q: %w", cfg.ImagePattern, doublestar.ErrBadPattern)
	}

	return nil
}

package configuration

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const DefaultDir = "internal/static"

// Load reads dir/application.yml and then overlays
// dir/application-<profile>.yml when a profile is set. A non-empty profile
// argument replaces the one named in the base file.
func Load(dir, profile string) (*Properties, error) {
	if err := LoadDotEnv(dir); err != nil {
		slog.Error("Error loading .env", "Error", err.Error())
		return nil, err
	}

	cfg, err := loadBaseConfig(dir)
	if err != nil {
		return nil, err
	}
	if profile != "" {
		cfg.App.Profile = profile
	}

	if cfg.App.Profile != "" {
		if err := loadProfileConfig(dir, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func loadBaseConfig(dir string) (*Properties, error) {
	baseConfig, err := LoadAndExpandYaml(dir, "application")
	if err != nil {
		slog.Error("Error loading base config", "Error", err.Error())
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(baseConfig), cfg); err != nil {
		slog.Error("Error parsing base config", "Error", err.Error())
		return nil, err
	}

	return cfg, nil
}

func loadProfileConfig(dir string, cfg *Properties) error {
	profileConfig, err := LoadAndExpandYaml(dir, "application-"+cfg.App.Profile)
	if err != nil {
		slog.Error("Error loading profile config", "Error", err.Error())
		return err
	}

	if err := yaml.Unmarshal([]byte(profileConfig), cfg); err != nil {
		slog.Error("Error parsing profile config", "Error", err.Error())
		return err
	}

	return nil
}

func LoadAndExpandYaml(baseDir, filename string) (string, error) {
	file := filepath.Join(baseDir, filename+".yml")
	if _, err := os.Stat(file); err != nil {
		return "", fmt.Errorf("%s.yml not found", filename)
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	expanded, err := ExpandEnvStrict(string(raw))
	if err != nil {
		return "", err
	}

	return expanded, nil
}

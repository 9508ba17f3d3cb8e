package cmd

import (
	"os"

	"github.com/creasty/defaults"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sabermill/sabermill/pkg/coordinator"
)

// loadConfigFromFile reads the pipeline configuration. A .env file next to
// the working directory is loaded first so `${VAR}` references in the DSN
// resolve without exporting anything.
func loadConfigFromFile(file string) (*coordinator.Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.WithError(err).Debug("No .env file loaded")
	}

	if file == "" {
		file = "./config.yaml"
	}

	config := &coordinator.Config{}

	if err := defaults.Set(config); err != nil {
		return nil, err
	}

	yamlFile, err := os.ReadFile(file) //nolint:gosec // User-provided config file path
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(yamlFile, config); err != nil {
		return nil, err
	}

	return config, nil
}

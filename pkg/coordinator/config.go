package coordinator

import (
	"fmt"

	"github.com/sabermill/sabermill/pkg/api"
	"github.com/sabermill/sabermill/pkg/leaders"
	"github.com/sabermill/sabermill/pkg/postgres"
	"github.com/sabermill/sabermill/pkg/redis"
	"github.com/sabermill/sabermill/pkg/scheduler"
	"github.com/sabermill/sabermill/pkg/snapshot"
	"github.com/sabermill/sabermill/pkg/worker"
)

// Config is the complete pipeline configuration. One file drives every
// command; one-shot commands only validate the sections they use.
type Config struct {
	// Core settings
	Logging     string `yaml:"logging" default:"info"`
	Environment string `yaml:"environment" default:"dev"`
	MetricsAddr string `yaml:"metricsAddr" default:":9090"`
	PProfAddr   string `yaml:"pprofAddr"`

	// TablesPath points at the table registry YAML. Empty loads the
	// embedded default registry.
	TablesPath string `yaml:"tables"`

	Database postgres.Config `yaml:"database"`
	Data     snapshot.Config `yaml:"data"`

	Redis     redis.Config     `yaml:"redis"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Worker    worker.Config    `yaml:"worker"`
	API       api.Config       `yaml:"api"`
	Leaders   leaders.Config   `yaml:"leaders"`
}

// Validate checks the sections every command needs
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := c.Data.Validate(); err != nil {
		return fmt.Errorf("data: %w", err)
	}

	if err := c.Leaders.Validate(); err != nil {
		return fmt.Errorf("leaders: %w", err)
	}

	return nil
}

// ValidateService additionally checks the sections only service mode uses
func (c *Config) ValidateService() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	return nil
}

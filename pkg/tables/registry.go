package tables

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/creasty/defaults"
	"github.com/heimdalr/dag"
	"gopkg.in/yaml.v3"
)

//go:embed tables.yaml
var defaultRegistryYAML []byte

// Registry is the validated set of table declarations, preserving YAML order.
type Registry struct {
	tables []*Config
	byName map[string]*Config
}

type registryFile struct {
	Tables []*Config `yaml:"tables"`
}

// LoadRegistry reads table declarations from a YAML file. An empty path loads
// the embedded default registry.
func LoadRegistry(path string) (*Registry, error) {
	data := defaultRegistryYAML

	if path != "" {
		fileData, err := os.ReadFile(path) //nolint:gosec // User-provided config file path
		if err != nil {
			return nil, fmt.Errorf("failed to read table registry: %w", err)
		}

		data = fileData
	}

	return ParseRegistry(data)
}

// ParseRegistry parses and validates a YAML registry document.
func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse table registry: %w", err)
	}

	if len(file.Tables) == 0 {
		return nil, ErrNoTables
	}

	byName := make(map[string]*Config, len(file.Tables))

	for _, cfg := range file.Tables {
		if err := defaults.Set(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply defaults: %w", err)
		}

		if err := cfg.Validate(); err != nil {
			return nil, err
		}

		if _, exists := byName[cfg.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTable, cfg.Name)
		}

		byName[cfg.Name] = cfg
	}

	r := &Registry{tables: file.Tables, byName: byName}

	// Build the graph once so dependency errors surface at load time.
	if _, err := r.LoadOrder(); err != nil {
		return nil, err
	}

	return r, nil
}

// Get returns the declaration for a table name.
func (r *Registry) Get(name string) (*Config, bool) {
	cfg, ok := r.byName[name]
	return cfg, ok
}

// All returns every declaration in YAML order.
func (r *Registry) All() []*Config {
	return r.tables
}

// Active returns the declarations that participate in pipeline runs.
func (r *Registry) Active() []*Config {
	active := make([]*Config, 0, len(r.tables))

	for _, cfg := range r.tables {
		if cfg.IsActive() {
			active = append(active, cfg)
		}
	}

	return active
}

// Triggering returns the active tables that queue the derive cascade.
func (r *Registry) Triggering() []*Config {
	triggering := make([]*Config, 0, len(r.tables))

	for _, cfg := range r.tables {
		if cfg.IsActive() && cfg.TriggersCalculations {
			triggering = append(triggering, cfg)
		}
	}

	return triggering
}

// LoadOrder returns the active tables sorted so every table follows its
// declared dependencies. Ties keep YAML declaration order. Cycles and
// references to undeclared tables are errors.
func (r *Registry) LoadOrder() ([]*Config, error) {
	d := dag.NewDAG()

	active := r.Active()

	for _, cfg := range active {
		if err := d.AddVertexByID(cfg.Name, cfg); err != nil {
			return nil, fmt.Errorf("failed to add table %s: %w", cfg.Name, err)
		}
	}

	for _, cfg := range active {
		for _, dep := range cfg.DependsOn {
			if _, ok := r.byName[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, cfg.Name, dep)
			}

			if depCfg := r.byName[dep]; !depCfg.IsActive() {
				// Inactive dependencies impose no ordering.
				continue
			}

			// AddEdge returns an error if it would create a cycle.
			if err := d.AddEdge(dep, cfg.Name); err != nil {
				return nil, fmt.Errorf("invalid dependency %s -> %s: %w", dep, cfg.Name, err)
			}
		}
	}

	ordered := make([]*Config, 0, len(active))
	emitted := make(map[string]bool, len(active))

	// Kahn-style sweep over the validated graph, keeping YAML order stable.
	for len(ordered) < len(active) {
		progressed := false

		for _, cfg := range active {
			if emitted[cfg.Name] {
				continue
			}

			ready := true

			parents, err := d.GetParents(cfg.Name)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve parents of %s: %w", cfg.Name, err)
			}

			for parent := range parents {
				if !emitted[parent] {
					ready = false
					break
				}
			}

			if ready {
				ordered = append(ordered, cfg)
				emitted[cfg.Name] = true
				progressed = true
			}
		}

		if !progressed {
			// Unreachable once AddEdge has rejected cycles.
			return nil, ErrUnknownDependency
		}
	}

	return ordered, nil
}

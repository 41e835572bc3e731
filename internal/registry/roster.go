package registry

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// rosterFile is the on-disk format for pre-registered agents:
//
//	agents:
//	  - id: agt-analysis-1
//	    name: analysis-alpha
//	    capabilities: [analysis, reporting]
type rosterFile struct {
	Agents []*Agent `yaml:"agents"`
}

// LoadRoster parses a roster file into agent records without registering them.
func LoadRoster(path string) ([]*Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster file: %w", err)
	}

	var roster rosterFile
	if err := yaml.Unmarshal(data, &roster); err != nil {
		return nil, fmt.Errorf("failed to parse roster file: %w", err)
	}

	for i, agent := range roster.Agents {
		if agent == nil || agent.ID == "" {
			return nil, fmt.Errorf("roster entry %d: agent id is required", i)
		}
		if agent.Name == "" {
			return nil, fmt.Errorf("roster entry %d: agent name is required", i)
		}
	}
	return roster.Agents, nil
}

// SeedFromRoster registers every agent listed in the roster file. Used at
// startup so static deployments do not need a registration round-trip.
func (r *Registry) SeedFromRoster(ctx context.Context, path string) error {
	agents, err := LoadRoster(path)
	if err != nil {
		return err
	}

	for _, agent := range agents {
		if err := r.Register(ctx, agent); err != nil {
			return fmt.Errorf("failed to register roster agent %s: %w", agent.ID, err)
		}
	}

	r.logger.Info("Seeded registry from roster",
		zap.String("path", path),
		zap.Int("agents", len(agents)))
	return nil
}

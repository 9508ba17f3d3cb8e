package derive

import (
	"fmt"

	"github.com/heimdalr/dag"
)

// Stage names double as the calculation_type tags recorded in the queue.
const (
	StageLeagueRunEnvironment         = "league_run_environment"
	StageRunValues                    = "run_values"
	StageFIPConstants                 = "fip_constants"
	StageSubLeagueBattingEnvironment  = "sub_league_batting_environment"
	StageSubLeaguePitchingEnvironment = "sub_league_pitching_environment"
	StagePlayerBattingMetrics         = "player_batting_metrics"
	StagePlayerPitchingMetrics        = "player_pitching_metrics"
)

// StageSpec declares one stage of the cascade.
type StageSpec struct {
	// Name is the calculation_type tag.
	Name string
	// Table is the table the stage writes.
	Table string
	// DependsOn lists the stages whose output this stage reads.
	DependsOn []string
	// Priority orders queue delivery within a batch; lower runs first.
	Priority int
}

// Stages returns the cascade in declaration order.
func Stages() []StageSpec {
	return []StageSpec{
		{Name: StageLeagueRunEnvironment, Table: "league_runs_per_out", Priority: 1},
		{Name: StageRunValues, Table: "run_values", DependsOn: []string{StageLeagueRunEnvironment}, Priority: 2},
		{Name: StageFIPConstants, Table: "fip_constants", DependsOn: []string{StageLeagueRunEnvironment}, Priority: 3},
		{Name: StageSubLeagueBattingEnvironment, Table: "sub_league_batting_environment", DependsOn: []string{StageLeagueRunEnvironment}, Priority: 4},
		{Name: StageSubLeaguePitchingEnvironment, Table: "sub_league_pitching_environment", DependsOn: []string{StageFIPConstants}, Priority: 5},
		{Name: StagePlayerBattingMetrics, Table: "players_career_batting_stats", DependsOn: []string{StageRunValues, StageSubLeagueBattingEnvironment}, Priority: 6},
		{Name: StagePlayerPitchingMetrics, Table: "players_career_pitching_stats", DependsOn: []string{StageFIPConstants, StageSubLeaguePitchingEnvironment}, Priority: 7},
	}
}

// StageSpecFor looks a stage up by name.
func StageSpecFor(name string) (StageSpec, bool) {
	for _, spec := range Stages() {
		if spec.Name == name {
			return spec, true
		}
	}

	return StageSpec{}, false
}

// StageOrder returns the stages sorted so every stage follows its
// dependencies. Ties keep declaration order.
func StageOrder() ([]StageSpec, error) {
	d := dag.NewDAG()

	stages := Stages()

	for _, spec := range stages {
		if err := d.AddVertexByID(spec.Name, spec.Name); err != nil {
			return nil, fmt.Errorf("failed to add stage %s: %w", spec.Name, err)
		}
	}

	for _, spec := range stages {
		for _, dep := range spec.DependsOn {
			// AddEdge returns an error if it would create a cycle.
			if err := d.AddEdge(dep, spec.Name); err != nil {
				return nil, fmt.Errorf("invalid stage dependency %s -> %s: %w", dep, spec.Name, err)
			}
		}
	}

	ordered := make([]StageSpec, 0, len(stages))
	emitted := make(map[string]bool, len(stages))

	// Kahn-style sweep over the validated graph, keeping declaration order
	// stable.
	for len(ordered) < len(stages) {
		progressed := false

		for _, spec := range stages {
			if emitted[spec.Name] {
				continue
			}

			ready := true

			for _, dep := range spec.DependsOn {
				if !emitted[dep] {
					ready = false
					break
				}
			}

			if ready {
				ordered = append(ordered, spec)
				emitted[spec.Name] = true
				progressed = true
			}
		}

		if !progressed {
			// Unreachable once AddEdge has rejected cycles.
			return nil, ErrStageCycle
		}
	}

	return ordered, nil
}

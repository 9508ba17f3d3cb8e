package derive

import (
	"context"
	"fmt"
)

const battingMetricRowsQuery = `
SELECT player_id, year, team_id, split_id, stint, league_id, sub_league_id,
       COALESCE(pa, 0), COALESCE(ab, 0), COALESCE(bb, 0), COALESCE(ibb, 0),
       COALESCE(hp, 0), COALESCE(h, 0), COALESCE(d, 0), COALESCE(t, 0),
       COALESCE(hr, 0), COALESCE(sf, 0)
FROM players_career_batting_stats
WHERE split_id = 1 AND league_id IS NOT NULL AND sub_league_id IS NOT NULL%s
ORDER BY player_id, year, stint`

const pitchingMetricRowsQuery = `
SELECT player_id, year, team_id, split_id, stint, league_id, sub_league_id,
       COALESCE(outs, 0), COALESCE(hra, 0), COALESCE(bb, 0), COALESCE(hp, 0),
       COALESCE(k, 0), COALESCE(fb, 0), COALESCE(era, 0)
FROM players_career_pitching_stats
WHERE split_id = 1 AND league_id IS NOT NULL AND sub_league_id IS NOT NULL
  AND outs > 0%s
ORDER BY player_id, year, stint`

const storedBattingEnvironmentsQuery = `
SELECT year, league_id, sub_league_id, runs_per_pa
FROM sub_league_batting_environment%s`

const storedRunValuesQuery = `
SELECT year, league_id, sub_league_id,
       lg_woba, woba_scale,
       woba_bb, woba_hbp, woba_1b, woba_2b, woba_3b, woba_hr
FROM run_values%s`

const storedPitchingEnvironmentsQuery = `
SELECT year, league_id, sub_league_id, lg_era, lg_fip
FROM sub_league_pitching_environment%s`

// Park factors apply at the team grain; teams without a park row rate as
// neutral.
const parkFactorsQuery = `
SELECT t.team_id, COALESCE(p.avg, 1.0)
FROM teams AS t
LEFT JOIN parks AS p ON p.park_id = t.park_id`

const resetBattingMetricsQuery = `
UPDATE players_career_batting_stats
SET woba = NULL, wraa = NULL, wrc = NULL, wrc_plus = NULL
WHERE split_id = 1%s`

const updateBattingMetricsQuery = `
UPDATE players_career_batting_stats
SET woba = $1, wraa = $2, wrc = $3, wrc_plus = $4
WHERE player_id = $5 AND year = $6 AND team_id = $7 AND split_id = $8 AND stint = $9`

const resetPitchingMetricsQuery = `
UPDATE players_career_pitching_stats
SET fip = NULL, xfip = NULL, era_plus = NULL, era_minus = NULL, fip_minus = NULL
WHERE split_id = 1%s`

const updatePitchingMetricsQuery = `
UPDATE players_career_pitching_stats
SET fip = $1, xfip = $2, era_plus = $3, era_minus = $4, fip_minus = $5
WHERE player_id = $6 AND year = $7 AND team_id = $8 AND split_id = $9 AND stint = $10`

// statRowKey addresses one stats row by its full primary key.
type statRowKey struct {
	playerID int
	year     int
	teamID   int
	splitID  int
	stint    int
}

type battingStatRow struct {
	statRowKey
	group GroupKey
	line  BattingLine
}

type pitchingStatRow struct {
	statRowKey
	group GroupKey
	line  PitchingLine
}

func (e *Engine) fetchBattingMetricRows(ctx context.Context, scope Scope) ([]battingStatRow, error) {
	cond, args := scopeAnd(scope)

	rows, err := e.client.Query(ctx, fmt.Sprintf(battingMetricRowsQuery, cond), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var players []battingStatRow

	for rows.Next() {
		var r battingStatRow

		if err := rows.Scan(&r.playerID, &r.year, &r.teamID, &r.splitID, &r.stint,
			&r.group.LeagueID, &r.group.SubLeagueID,
			&r.line.PA, &r.line.AB, &r.line.BB, &r.line.IBB, &r.line.HP,
			&r.line.H, &r.line.D, &r.line.T, &r.line.HR, &r.line.SF); err != nil {
			return nil, fmt.Errorf("failed to scan batting stat row: %w", err)
		}

		r.group.Year = r.year
		players = append(players, r)
	}

	return players, rows.Err()
}

func (e *Engine) fetchPitchingMetricRows(ctx context.Context, scope Scope) ([]pitchingStatRow, error) {
	cond, args := scopeAnd(scope)

	rows, err := e.client.Query(ctx, fmt.Sprintf(pitchingMetricRowsQuery, cond), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var players []pitchingStatRow

	for rows.Next() {
		var r pitchingStatRow

		if err := rows.Scan(&r.playerID, &r.year, &r.teamID, &r.splitID, &r.stint,
			&r.group.LeagueID, &r.group.SubLeagueID,
			&r.line.Outs, &r.line.HRA, &r.line.BB, &r.line.HP,
			&r.line.K, &r.line.FB, &r.line.ERA); err != nil {
			return nil, fmt.Errorf("failed to scan pitching stat row: %w", err)
		}

		r.group.Year = r.year
		players = append(players, r)
	}

	return players, rows.Err()
}

func (e *Engine) fetchStoredRunValues(ctx context.Context, scope Scope) (map[GroupKey]RunValues, error) {
	cond, args := scopeWhere(scope)

	rows, err := e.client.Query(ctx, fmt.Sprintf(storedRunValuesQuery, cond), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make(map[GroupKey]RunValues)

	for rows.Next() {
		var (
			key GroupKey
			rv  RunValues
		)

		if err := rows.Scan(&key.Year, &key.LeagueID, &key.SubLeagueID,
			&rv.LgWOBA, &rv.WOBAScale,
			&rv.WOBABB, &rv.WOBAHBP, &rv.WOBA1B, &rv.WOBA2B, &rv.WOBA3B, &rv.WOBAHR); err != nil {
			return nil, fmt.Errorf("failed to scan run values: %w", err)
		}

		values[key] = rv
	}

	return values, rows.Err()
}

func (e *Engine) fetchStoredBattingEnvironments(ctx context.Context, scope Scope) (map[GroupKey]float64, error) {
	cond, args := scopeWhere(scope)

	rows, err := e.client.Query(ctx, fmt.Sprintf(storedBattingEnvironmentsQuery, cond), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	environments := make(map[GroupKey]float64)

	for rows.Next() {
		var (
			key  GroupKey
			rate float64
		)

		if err := rows.Scan(&key.Year, &key.LeagueID, &key.SubLeagueID, &rate); err != nil {
			return nil, fmt.Errorf("failed to scan batting environment: %w", err)
		}

		environments[key] = rate
	}

	return environments, rows.Err()
}

func (e *Engine) fetchStoredPitchingEnvironments(ctx context.Context, scope Scope) (map[GroupKey]PitchingEnvironment, error) {
	cond, args := scopeWhere(scope)

	rows, err := e.client.Query(ctx, fmt.Sprintf(storedPitchingEnvironmentsQuery, cond), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	environments := make(map[GroupKey]PitchingEnvironment)

	for rows.Next() {
		var (
			key GroupKey
			env PitchingEnvironment
		)

		if err := rows.Scan(&key.Year, &key.LeagueID, &key.SubLeagueID,
			&env.LgERA, &env.LgFIP); err != nil {
			return nil, fmt.Errorf("failed to scan pitching environment: %w", err)
		}

		environments[key] = env
	}

	return environments, rows.Err()
}

func (e *Engine) fetchParkFactors(ctx context.Context) (map[int]float64, error) {
	rows, err := e.client.Query(ctx, parkFactorsQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	factors := make(map[int]float64)

	for rows.Next() {
		var (
			teamID int
			factor float64
		)

		if err := rows.Scan(&teamID, &factor); err != nil {
			return nil, fmt.Errorf("failed to scan park factor: %w", err)
		}

		factors[teamID] = factor
	}

	return factors, rows.Err()
}

func (e *Engine) runPlayerBattingMetrics(ctx context.Context, scope Scope) (int, int, error) {
	players, err := e.fetchBattingMetricRows(ctx, scope)
	if err != nil {
		return 0, 0, err
	}

	var (
		runValues    map[GroupKey]RunValues
		environments map[GroupKey]float64
		baselines    map[GroupKey]RunEnvironment
		parkFactors  map[int]float64
	)

	if len(players) > 0 {
		runValues, err = e.fetchStoredRunValues(ctx, scope)
		if err != nil {
			return 0, 0, err
		}

		if len(runValues) == 0 {
			return 0, 0, missingDependency(StagePlayerBattingMetrics, StageRunValues, scope)
		}

		environments, err = e.fetchStoredBattingEnvironments(ctx, scope)
		if err != nil {
			return 0, 0, err
		}

		if len(environments) == 0 {
			return 0, 0, missingDependency(StagePlayerBattingMetrics, StageSubLeagueBattingEnvironment, scope)
		}

		baselines, err = e.fetchStoredRunEnvironments(ctx, scope)
		if err != nil {
			return 0, 0, err
		}

		if len(baselines) == 0 {
			return 0, 0, missingDependency(StagePlayerBattingMetrics, StageLeagueRunEnvironment, scope)
		}

		parkFactors, err = e.fetchParkFactors(ctx)
		if err != nil {
			return 0, 0, err
		}
	}

	tx, err := e.client.BeginTx(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op

	cond, args := scopeAnd(scope)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(resetBattingMetricsQuery, cond), args...); err != nil {
		return 0, 0, fmt.Errorf("failed to reset batting metrics: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, updateBattingMetricsQuery)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to prepare batting metrics update: %w", err)
	}
	defer stmt.Close() //nolint:errcheck // Close after tx end is a no-op

	written, skipped := 0, 0

	for _, row := range players {
		rv, ok := runValues[row.group]
		if !ok {
			skipped++
			continue
		}

		env, ok := environments[row.group]
		if !ok {
			skipped++
			continue
		}

		baseline, ok := baselines[row.group]
		if !ok {
			skipped++
			continue
		}

		pf, ok := parkFactors[row.teamID]
		if !ok {
			pf = neutralParkFactor
		}

		m := NewBattingMetrics(row.line, rv, baseline.RunsPerPA, env, pf)

		if _, err := stmt.ExecContext(ctx, m.WOBA, m.WRAA, m.WRC, m.WRCPlus,
			row.playerID, row.year, row.teamID, row.splitID, row.stint); err != nil {
			return 0, 0, fmt.Errorf("failed to update batting metrics for player %d year %d: %w",
				row.playerID, row.year, err)
		}

		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit batting metrics: %w", err)
	}

	return written, skipped, nil
}

func (e *Engine) runPlayerPitchingMetrics(ctx context.Context, scope Scope) (int, int, error) {
	players, err := e.fetchPitchingMetricRows(ctx, scope)
	if err != nil {
		return 0, 0, err
	}

	var (
		constants    map[LeagueKey]FIPConstants
		environments map[GroupKey]PitchingEnvironment
		parkFactors  map[int]float64
	)

	if len(players) > 0 {
		constants, err = e.fetchStoredFIPConstants(ctx, scope)
		if err != nil {
			return 0, 0, err
		}

		if len(constants) == 0 {
			return 0, 0, missingDependency(StagePlayerPitchingMetrics, StageFIPConstants, scope)
		}

		environments, err = e.fetchStoredPitchingEnvironments(ctx, scope)
		if err != nil {
			return 0, 0, err
		}

		if len(environments) == 0 {
			return 0, 0, missingDependency(StagePlayerPitchingMetrics, StageSubLeaguePitchingEnvironment, scope)
		}

		parkFactors, err = e.fetchParkFactors(ctx)
		if err != nil {
			return 0, 0, err
		}
	}

	tx, err := e.client.BeginTx(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op

	cond, args := scopeAnd(scope)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(resetPitchingMetricsQuery, cond), args...); err != nil {
		return 0, 0, fmt.Errorf("failed to reset pitching metrics: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, updatePitchingMetricsQuery)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to prepare pitching metrics update: %w", err)
	}
	defer stmt.Close() //nolint:errcheck // Close after tx end is a no-op

	written, skipped := 0, 0

	for _, row := range players {
		fc, ok := constants[LeagueKey{Year: row.group.Year, LeagueID: row.group.LeagueID}]
		if !ok {
			skipped++
			continue
		}

		env, ok := environments[row.group]
		if !ok {
			skipped++
			continue
		}

		pf, ok := parkFactors[row.teamID]
		if !ok {
			pf = neutralParkFactor
		}

		m := NewPitchingMetrics(row.line, fc, env, pf)

		if _, err := stmt.ExecContext(ctx, m.FIP, m.XFIP, m.ERAPlus, m.ERAMinus, m.FIPMinus,
			row.playerID, row.year, row.teamID, row.splitID, row.stint); err != nil {
			return 0, 0, fmt.Errorf("failed to update pitching metrics for player %d year %d: %w",
				row.playerID, row.year, err)
		}

		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit pitching metrics: %w", err)
	}

	return written, skipped, nil
}

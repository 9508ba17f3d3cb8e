package derive

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sabermill/sabermill/pkg/postgres"
)

// Aggregate queries share the same shape: overall split only, unassigned
// leagues excluded, optional season filter spliced in before GROUP BY.

const runEnvironmentTotalsQuery = `
SELECT year, league_id, sub_league_id,
       COALESCE(SUM(r), 0), COALESCE(SUM(outs), 0), COALESCE(SUM(bf), 0)
FROM players_career_pitching_stats
WHERE split_id = 1 AND league_id IS NOT NULL AND sub_league_id IS NOT NULL%s
GROUP BY year, league_id, sub_league_id
ORDER BY year, league_id, sub_league_id`

const battingTotalsQuery = `
SELECT year, league_id, sub_league_id,
       COALESCE(SUM(ab), 0), COALESCE(SUM(bb), 0), COALESCE(SUM(ibb), 0),
       COALESCE(SUM(hp), 0), COALESCE(SUM(h), 0), COALESCE(SUM(d), 0),
       COALESCE(SUM(t), 0), COALESCE(SUM(hr), 0), COALESCE(SUM(sb), 0),
       COALESCE(SUM(cs), 0), COALESCE(SUM(sf), 0)
FROM players_career_batting_stats
WHERE split_id = 1 AND league_id IS NOT NULL AND sub_league_id IS NOT NULL%s
GROUP BY year, league_id, sub_league_id
ORDER BY year, league_id, sub_league_id`

const fipTotalsQuery = `
SELECT year, league_id,
       COALESCE(SUM(hra), 0), COALESCE(SUM(bb), 0), COALESCE(SUM(hp), 0),
       COALESCE(SUM(k), 0), COALESCE(SUM(outs), 0), COALESCE(SUM(er), 0),
       COALESCE(SUM(fb), 0)
FROM players_career_pitching_stats
WHERE split_id = 1 AND league_id IS NOT NULL%s
GROUP BY year, league_id
ORDER BY year, league_id`

const battingEnvironmentTotalsQuery = `
SELECT b.year, b.league_id, b.sub_league_id,
       COALESCE(SUM(b.pa), 0), COALESCE(SUM(b.r), 0)
FROM players_career_batting_stats AS b
JOIN players_current_status AS c ON c.player_id = b.player_id
WHERE b.split_id = 1 AND b.league_id IS NOT NULL AND b.sub_league_id IS NOT NULL
  AND c.position <> 1%s
GROUP BY b.year, b.league_id, b.sub_league_id
ORDER BY b.year, b.league_id, b.sub_league_id`

const pitchingEnvironmentTotalsQuery = `
SELECT year, league_id, sub_league_id,
       COALESCE(SUM(hra), 0), COALESCE(SUM(bb), 0), COALESCE(SUM(hp), 0),
       COALESCE(SUM(k), 0), COALESCE(SUM(outs), 0), COALESCE(SUM(er), 0)
FROM players_career_pitching_stats
WHERE split_id = 1 AND league_id IS NOT NULL AND sub_league_id IS NOT NULL%s
GROUP BY year, league_id, sub_league_id
ORDER BY year, league_id, sub_league_id`

const storedRunEnvironmentsQuery = `
SELECT year, league_id, sub_league_id, runs_per_out, runs_per_pa
FROM league_runs_per_out%s`

const storedFIPConstantsQuery = `
SELECT year, league_id, lg_era, lg_hr_fb_pct, fip_constant
FROM fip_constants%s`

var (
	leagueRunsPerOutColumns = []string{
		"year", "league_id", "sub_league_id",
		"runs", "outs", "pa", "runs_per_out", "runs_per_pa",
	}

	runValuesColumns = []string{
		"year", "league_id", "sub_league_id",
		"run_bb", "run_hbp", "run_1b", "run_2b", "run_3b", "run_hr", "run_sb", "run_cs",
		"run_minus", "run_plus", "lg_woba", "woba_scale",
		"woba_bb", "woba_hbp", "woba_1b", "woba_2b", "woba_3b", "woba_hr", "woba_sb", "woba_cs",
	}

	fipConstantsColumns = []string{
		"year", "league_id", "lg_era", "lg_hr_fb_pct", "fip_constant",
	}

	battingEnvironmentColumns = []string{
		"year", "league_id", "sub_league_id", "pa", "runs", "runs_per_pa",
	}

	pitchingEnvironmentColumns = []string{
		"year", "league_id", "sub_league_id", "ip", "er", "lg_era", "lg_fip",
	}
)

// scopeAnd returns the season filter for queries that already have a WHERE
// clause.
func scopeAnd(scope Scope) (string, []any) {
	if scope.Year == nil {
		return "", nil
	}

	return " AND year = $1", []any{*scope.Year}
}

// scopeWhere returns the season filter for queries without a WHERE clause.
func scopeWhere(scope Scope) (string, []any) {
	if scope.Year == nil {
		return "", nil
	}

	return " WHERE year = $1", []any{*scope.Year}
}

// deleteScope clears a derived table for the scope ahead of the rewrite.
func deleteScope(ctx context.Context, tx *sql.Tx, table string, scope Scope) error {
	cond, args := scopeWhere(scope)

	query := fmt.Sprintf("DELETE FROM %s%s", postgres.QuoteIdentifier(table), cond)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}

	return nil
}

// replaceRows rewrites a derived table for the scope in one transaction.
func (e *Engine) replaceRows(ctx context.Context, scope Scope, table string, columns []string, rows [][]any) (int, error) {
	tx, err := e.client.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op

	if err := deleteScope(ctx, tx, table, scope); err != nil {
		return 0, err
	}

	written, err := e.client.BulkInsert(ctx, tx, table, columns, rows)
	if err != nil {
		return 0, fmt.Errorf("failed to insert into %s: %w", table, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit %s rewrite: %w", table, err)
	}

	return int(written), nil
}

type groupPitchingTotals struct {
	key  GroupKey
	runs float64
	outs float64
	pa   float64
}

func (e *Engine) fetchRunEnvironmentTotals(ctx context.Context, scope Scope) ([]groupPitchingTotals, error) {
	cond, args := scopeAnd(scope)

	rows, err := e.client.Query(ctx, fmt.Sprintf(runEnvironmentTotalsQuery, cond), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []groupPitchingTotals

	for rows.Next() {
		var g groupPitchingTotals

		if err := rows.Scan(&g.key.Year, &g.key.LeagueID, &g.key.SubLeagueID,
			&g.runs, &g.outs, &g.pa); err != nil {
			return nil, fmt.Errorf("failed to scan pitching totals: %w", err)
		}

		groups = append(groups, g)
	}

	return groups, rows.Err()
}

func (e *Engine) runLeagueRunEnvironment(ctx context.Context, scope Scope) (int, int, error) {
	groups, err := e.fetchRunEnvironmentTotals(ctx, scope)
	if err != nil {
		return 0, 0, err
	}

	rows := make([][]any, 0, len(groups))

	for _, g := range groups {
		env := NewRunEnvironment(g.runs, g.outs, g.pa)
		rows = append(rows, []any{
			g.key.Year, g.key.LeagueID, g.key.SubLeagueID,
			env.Runs, env.Outs, env.PA, env.RunsPerOut, env.RunsPerPA,
		})
	}

	written, err := e.replaceRows(ctx, scope, "league_runs_per_out", leagueRunsPerOutColumns, rows)

	return written, 0, err
}

// fetchStoredRunEnvironments reads the stage 1 output back for downstream
// stages.
func (e *Engine) fetchStoredRunEnvironments(ctx context.Context, scope Scope) (map[GroupKey]RunEnvironment, error) {
	cond, args := scopeWhere(scope)

	rows, err := e.client.Query(ctx, fmt.Sprintf(storedRunEnvironmentsQuery, cond), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	environments := make(map[GroupKey]RunEnvironment)

	for rows.Next() {
		var (
			key GroupKey
			env RunEnvironment
		)

		if err := rows.Scan(&key.Year, &key.LeagueID, &key.SubLeagueID,
			&env.RunsPerOut, &env.RunsPerPA); err != nil {
			return nil, fmt.Errorf("failed to scan run environment: %w", err)
		}

		environments[key] = env
	}

	return environments, rows.Err()
}

type groupBattingTotals struct {
	key    GroupKey
	totals BattingTotals
}

func (e *Engine) fetchBattingTotals(ctx context.Context, scope Scope) ([]groupBattingTotals, error) {
	cond, args := scopeAnd(scope)

	rows, err := e.client.Query(ctx, fmt.Sprintf(battingTotalsQuery, cond), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []groupBattingTotals

	for rows.Next() {
		var g groupBattingTotals

		if err := rows.Scan(&g.key.Year, &g.key.LeagueID, &g.key.SubLeagueID,
			&g.totals.AB, &g.totals.BB, &g.totals.IBB, &g.totals.HP, &g.totals.H,
			&g.totals.D, &g.totals.T, &g.totals.HR, &g.totals.SB, &g.totals.CS,
			&g.totals.SF); err != nil {
			return nil, fmt.Errorf("failed to scan batting totals: %w", err)
		}

		groups = append(groups, g)
	}

	return groups, rows.Err()
}

func (e *Engine) runRunValues(ctx context.Context, scope Scope) (int, int, error) {
	groups, err := e.fetchBattingTotals(ctx, scope)
	if err != nil {
		return 0, 0, err
	}

	var environments map[GroupKey]RunEnvironment

	if len(groups) > 0 {
		environments, err = e.fetchStoredRunEnvironments(ctx, scope)
		if err != nil {
			return 0, 0, err
		}

		if len(environments) == 0 {
			return 0, 0, missingDependency(StageRunValues, StageLeagueRunEnvironment, scope)
		}
	}

	skipped := 0
	rows := make([][]any, 0, len(groups))

	for _, g := range groups {
		env, ok := environments[g.key]
		if !ok {
			skipped++
			continue
		}

		rv := NewRunValues(env.RunsPerOut, g.totals)
		rows = append(rows, []any{
			g.key.Year, g.key.LeagueID, g.key.SubLeagueID,
			rv.RunBB, rv.RunHBP, rv.Run1B, rv.Run2B, rv.Run3B, rv.RunHR, rv.RunSB, rv.RunCS,
			rv.RunMinus, rv.RunPlus, rv.LgWOBA, rv.WOBAScale,
			rv.WOBABB, rv.WOBAHBP, rv.WOBA1B, rv.WOBA2B, rv.WOBA3B, rv.WOBAHR, rv.WOBASB, rv.WOBACS,
		})
	}

	written, err := e.replaceRows(ctx, scope, "run_values", runValuesColumns, rows)

	return written, skipped, err
}

type leaguePitchingTotals struct {
	key    LeagueKey
	totals PitchingTotals
}

func (e *Engine) fetchFIPTotals(ctx context.Context, scope Scope) ([]leaguePitchingTotals, error) {
	cond, args := scopeAnd(scope)

	rows, err := e.client.Query(ctx, fmt.Sprintf(fipTotalsQuery, cond), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []leaguePitchingTotals

	for rows.Next() {
		var g leaguePitchingTotals

		if err := rows.Scan(&g.key.Year, &g.key.LeagueID,
			&g.totals.HRA, &g.totals.BB, &g.totals.HP, &g.totals.K,
			&g.totals.Outs, &g.totals.ER, &g.totals.FB); err != nil {
			return nil, fmt.Errorf("failed to scan league pitching totals: %w", err)
		}

		groups = append(groups, g)
	}

	return groups, rows.Err()
}

func (e *Engine) runFIPConstants(ctx context.Context, scope Scope) (int, int, error) {
	groups, err := e.fetchFIPTotals(ctx, scope)
	if err != nil {
		return 0, 0, err
	}

	rows := make([][]any, 0, len(groups))

	for _, g := range groups {
		fc := NewFIPConstants(g.totals)
		rows = append(rows, []any{
			g.key.Year, g.key.LeagueID, fc.LgERA, fc.LgHRPerFB, fc.FIPConstant,
		})
	}

	written, err := e.replaceRows(ctx, scope, "fip_constants", fipConstantsColumns, rows)

	return written, 0, err
}

// fetchStoredFIPConstants reads the stage 3 output back for downstream
// stages.
func (e *Engine) fetchStoredFIPConstants(ctx context.Context, scope Scope) (map[LeagueKey]FIPConstants, error) {
	cond, args := scopeWhere(scope)

	rows, err := e.client.Query(ctx, fmt.Sprintf(storedFIPConstantsQuery, cond), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	constants := make(map[LeagueKey]FIPConstants)

	for rows.Next() {
		var (
			key LeagueKey
			fc  FIPConstants
		)

		if err := rows.Scan(&key.Year, &key.LeagueID,
			&fc.LgERA, &fc.LgHRPerFB, &fc.FIPConstant); err != nil {
			return nil, fmt.Errorf("failed to scan fip constants: %w", err)
		}

		constants[key] = fc
	}

	return constants, rows.Err()
}

type groupBattingEnvironment struct {
	key  GroupKey
	pa   float64
	runs float64
}

func (e *Engine) fetchBattingEnvironmentTotals(ctx context.Context, scope Scope) ([]groupBattingEnvironment, error) {
	cond, args := scopeAnd(scope)

	rows, err := e.client.Query(ctx, fmt.Sprintf(battingEnvironmentTotalsQuery, cond), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []groupBattingEnvironment

	for rows.Next() {
		var g groupBattingEnvironment

		if err := rows.Scan(&g.key.Year, &g.key.LeagueID, &g.key.SubLeagueID,
			&g.pa, &g.runs); err != nil {
			return nil, fmt.Errorf("failed to scan batting environment totals: %w", err)
		}

		groups = append(groups, g)
	}

	return groups, rows.Err()
}

func (e *Engine) runSubLeagueBattingEnvironment(ctx context.Context, scope Scope) (int, int, error) {
	groups, err := e.fetchBattingEnvironmentTotals(ctx, scope)
	if err != nil {
		return 0, 0, err
	}

	rows := make([][]any, 0, len(groups))

	for _, g := range groups {
		env := NewBattingEnvironment(g.pa, g.runs)
		rows = append(rows, []any{
			g.key.Year, g.key.LeagueID, g.key.SubLeagueID,
			env.PA, env.Runs, env.RunsPerPA,
		})
	}

	written, err := e.replaceRows(ctx, scope, "sub_league_batting_environment", battingEnvironmentColumns, rows)

	return written, 0, err
}

type groupPitchingEnvironment struct {
	key    GroupKey
	totals PitchingTotals
}

func (e *Engine) fetchPitchingEnvironmentTotals(ctx context.Context, scope Scope) ([]groupPitchingEnvironment, error) {
	cond, args := scopeAnd(scope)

	rows, err := e.client.Query(ctx, fmt.Sprintf(pitchingEnvironmentTotalsQuery, cond), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []groupPitchingEnvironment

	for rows.Next() {
		var g groupPitchingEnvironment

		if err := rows.Scan(&g.key.Year, &g.key.LeagueID, &g.key.SubLeagueID,
			&g.totals.HRA, &g.totals.BB, &g.totals.HP, &g.totals.K,
			&g.totals.Outs, &g.totals.ER); err != nil {
			return nil, fmt.Errorf("failed to scan pitching environment totals: %w", err)
		}

		groups = append(groups, g)
	}

	return groups, rows.Err()
}

func (e *Engine) runSubLeaguePitchingEnvironment(ctx context.Context, scope Scope) (int, int, error) {
	groups, err := e.fetchPitchingEnvironmentTotals(ctx, scope)
	if err != nil {
		return 0, 0, err
	}

	var constants map[LeagueKey]FIPConstants

	if len(groups) > 0 {
		constants, err = e.fetchStoredFIPConstants(ctx, scope)
		if err != nil {
			return 0, 0, err
		}

		if len(constants) == 0 {
			return 0, 0, missingDependency(StageSubLeaguePitchingEnvironment, StageFIPConstants, scope)
		}
	}

	skipped := 0
	rows := make([][]any, 0, len(groups))

	for _, g := range groups {
		fc, ok := constants[LeagueKey{Year: g.key.Year, LeagueID: g.key.LeagueID}]
		if !ok {
			skipped++
			continue
		}

		env := NewPitchingEnvironment(g.totals, fc.FIPConstant)
		rows = append(rows, []any{
			g.key.Year, g.key.LeagueID, g.key.SubLeagueID,
			env.IP, env.ER, env.LgERA, env.LgFIP,
		})
	}

	written, err := e.replaceRows(ctx, scope, "sub_league_pitching_environment", pitchingEnvironmentColumns, rows)

	return written, skipped, err
}

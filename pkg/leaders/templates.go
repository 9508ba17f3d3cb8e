package leaders

// Built-in snapshot templates. Career boards aggregate every season of a
// player; single-season boards keep one row per qualifying stint. The
// minimum thresholds (100 PA, 150 outs) keep September call-ups off the
// single-season boards.

const careerBattingSQL = `SELECT b.player_id,
       p.first_name,
       p.last_name,
       (p.retired = 0) AS is_active,
       COUNT(DISTINCT b.year) AS seasons,
       SUM(b.g) AS g,
       SUM(b.pa) AS pa,
       SUM(b.ab) AS ab,
       SUM(b.r) AS r,
       SUM(b.h) AS h,
       SUM(b.d) AS doubles,
       SUM(b.t) AS triples,
       SUM(b.hr) AS hr,
       SUM(b.rbi) AS rbi,
       SUM(b.sb) AS sb,
       SUM(b.cs) AS cs,
       SUM(b.bb) AS bb,
       SUM(b.k) AS so,
       CASE WHEN SUM(b.ab) > 0 THEN ROUND(SUM(b.h)::numeric / SUM(b.ab), 3) ELSE 0 END AS avg,
       SUM(b.war) AS war
FROM players_career_batting_stats AS b
JOIN players_core AS p ON p.player_id = b.player_id
WHERE b.split_id = 1
GROUP BY b.player_id, p.first_name, p.last_name, p.retired
ORDER BY war DESC
LIMIT {{ .limit }}`

const careerPitchingSQL = `SELECT a.player_id,
       p.first_name,
       p.last_name,
       (p.retired = 0) AS is_active,
       COUNT(DISTINCT a.year) AS seasons,
       SUM(a.w) AS w,
       SUM(a.l) AS l,
       SUM(a.g) AS g,
       SUM(a.gs) AS gs,
       SUM(a.cg) AS cg,
       SUM(a.sho) AS sho,
       SUM(a.s) AS sv,
       ROUND(SUM(a.outs) / 3.0, 1) AS ip,
       SUM(a.ha) AS h,
       SUM(a.er) AS er,
       SUM(a.hra) AS hr,
       SUM(a.bb) AS bb,
       SUM(a.k) AS so,
       CASE WHEN SUM(a.outs) > 0 THEN ROUND(SUM(a.er) * 27.0 / SUM(a.outs), 2) ELSE 0 END AS era,
       SUM(a.war) AS war
FROM players_career_pitching_stats AS a
JOIN players_core AS p ON p.player_id = a.player_id
WHERE a.split_id = 1
GROUP BY a.player_id, p.first_name, p.last_name, p.retired
ORDER BY war DESC
LIMIT {{ .limit }}`

const singleSeasonBattingSQL = `SELECT b.player_id,
       b.year,
       b.team_id,
       b.stint,
       p.first_name,
       p.last_name,
       b.g,
       b.pa,
       b.ab,
       b.r,
       b.h,
       b.d AS doubles,
       b.t AS triples,
       b.hr,
       b.rbi,
       b.sb,
       b.bb,
       b.k AS so,
       b.batting_average AS avg,
       b.on_base_percentage AS obp,
       b.slugging_percentage AS slg,
       b.woba,
       b.wrc_plus,
       b.war
FROM players_career_batting_stats AS b
JOIN players_core AS p ON p.player_id = b.player_id
WHERE b.split_id = 1
  AND b.league_id IS NOT NULL
  AND b.pa >= 100
ORDER BY b.wrc_plus DESC NULLS LAST
LIMIT {{ .limit }}`

const singleSeasonPitchingSQL = `SELECT a.player_id,
       a.year,
       a.team_id,
       a.stint,
       p.first_name,
       p.last_name,
       a.w,
       a.l,
       a.g,
       a.gs,
       a.cg,
       a.sho,
       a.s AS sv,
       ROUND(a.outs / 3.0, 1) AS ip,
       a.ha AS h,
       a.er,
       a.bb,
       a.k AS so,
       a.era,
       a.whip,
       a.fip,
       a.era_plus,
       a.war
FROM players_career_pitching_stats AS a
JOIN players_core AS p ON p.player_id = a.player_id
WHERE a.split_id = 1
  AND a.league_id IS NOT NULL
  AND a.outs >= 150
ORDER BY a.era_plus DESC NULLS LAST
LIMIT {{ .limit }}`

// DefaultSnapshots returns the built-in leaderboard set
func DefaultSnapshots() []SnapshotConfig {
	return []SnapshotConfig{
		{Name: "leaderboard_career_batting", SQL: careerBattingSQL},
		{Name: "leaderboard_career_pitching", SQL: careerPitchingSQL},
		{Name: "leaderboard_single_season_batting", SQL: singleSeasonBattingSQL},
		{Name: "leaderboard_single_season_pitching", SQL: singleSeasonPitchingSQL},
	}
}

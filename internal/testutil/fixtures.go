//go:build integration

package testutil

import (
	"database/sql"
	"testing"
)

// Production databases get the raw stat tables from the game's own dump, so
// the fixtures carry only the columns the pipeline reads from them.
var statTableDDL = []string{
	`CREATE TABLE players_career_batting_stats (
		player_id INTEGER NOT NULL,
		year INTEGER NOT NULL,
		team_id INTEGER NOT NULL,
		split_id INTEGER NOT NULL,
		stint INTEGER NOT NULL,
		league_id INTEGER,
		sub_league_id INTEGER,
		pa INTEGER,
		ab INTEGER,
		bb INTEGER,
		ibb INTEGER,
		hp INTEGER,
		h INTEGER,
		d INTEGER,
		t INTEGER,
		hr INTEGER,
		sb INTEGER,
		cs INTEGER,
		sf INTEGER,
		r INTEGER,
		PRIMARY KEY (player_id, year, team_id, split_id, stint)
	)`,
	`CREATE TABLE players_career_pitching_stats (
		player_id INTEGER NOT NULL,
		year INTEGER NOT NULL,
		team_id INTEGER NOT NULL,
		split_id INTEGER NOT NULL,
		stint INTEGER NOT NULL,
		league_id INTEGER,
		sub_league_id INTEGER,
		r INTEGER,
		outs INTEGER,
		bf INTEGER,
		hra INTEGER,
		bb INTEGER,
		hp INTEGER,
		k INTEGER,
		er INTEGER,
		fb INTEGER,
		era DOUBLE PRECISION,
		PRIMARY KEY (player_id, year, team_id, split_id, stint)
	)`,
	`CREATE TABLE players_current_status (
		player_id INTEGER PRIMARY KEY,
		position INTEGER NOT NULL
	)`,
	`CREATE TABLE teams (
		team_id INTEGER PRIMARY KEY,
		park_id INTEGER
	)`,
	`CREATE TABLE parks (
		park_id INTEGER PRIMARY KEY,
		avg DOUBLE PRECISION
	)`,
}

// CreateStatTables creates the game-export tables the derive stages read.
// Run it before the schema migrations so the metric columns get added on top.
func CreateStatTables(t *testing.T, db *sql.DB) {
	t.Helper()

	for _, ddl := range statTableDDL {
		if _, err := db.Exec(ddl); err != nil {
			t.Fatalf("failed to create stat table: %v", err)
		}
	}
}

// BattingSeed is one players_career_batting_stats row. SplitID and Stint
// default to 1, the overall line, so seeds only name the stats they need.
// A zero LeagueID is stored as NULL, matching the loader's nullify rule
// for unassigned leagues.
type BattingSeed struct {
	PlayerID    int
	Year        int
	TeamID      int
	SplitID     int
	Stint       int
	LeagueID    int
	SubLeagueID int

	PA, AB, BB, IBB, HP int
	H, D, T, HR         int
	SB, CS, SF, R       int
}

// SeedBattingStats inserts batting rows.
func SeedBattingStats(t *testing.T, db *sql.DB, rows ...BattingSeed) {
	t.Helper()

	const insert = `
		INSERT INTO players_career_batting_stats
			(player_id, year, team_id, split_id, stint, league_id, sub_league_id,
			 pa, ab, bb, ibb, hp, h, d, t, hr, sb, cs, sf, r)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	for _, row := range rows {
		if row.SplitID == 0 {
			row.SplitID = 1
		}
		if row.Stint == 0 {
			row.Stint = 1
		}

		_, err := db.Exec(insert,
			row.PlayerID, row.Year, row.TeamID, row.SplitID, row.Stint,
			nullIfZero(row.LeagueID), row.SubLeagueID,
			row.PA, row.AB, row.BB, row.IBB, row.HP,
			row.H, row.D, row.T, row.HR,
			row.SB, row.CS, row.SF, row.R,
		)
		if err != nil {
			t.Fatalf("failed to seed batting row: %v", err)
		}
	}
}

// PitchingSeed is one players_career_pitching_stats row, with the same
// defaulting rules as BattingSeed.
type PitchingSeed struct {
	PlayerID    int
	Year        int
	TeamID      int
	SplitID     int
	Stint       int
	LeagueID    int
	SubLeagueID int

	R, Outs, BF        int
	HRA, BB, HP, K     int
	ER, FB             int
	ERA                float64
}

// SeedPitchingStats inserts pitching rows.
func SeedPitchingStats(t *testing.T, db *sql.DB, rows ...PitchingSeed) {
	t.Helper()

	const insert = `
		INSERT INTO players_career_pitching_stats
			(player_id, year, team_id, split_id, stint, league_id, sub_league_id,
			 r, outs, bf, hra, bb, hp, k, er, fb, era)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17)`

	for _, row := range rows {
		if row.SplitID == 0 {
			row.SplitID = 1
		}
		if row.Stint == 0 {
			row.Stint = 1
		}

		_, err := db.Exec(insert,
			row.PlayerID, row.Year, row.TeamID, row.SplitID, row.Stint,
			nullIfZero(row.LeagueID), row.SubLeagueID,
			row.R, row.Outs, row.BF,
			row.HRA, row.BB, row.HP, row.K,
			row.ER, row.FB, row.ERA,
		)
		if err != nil {
			t.Fatalf("failed to seed pitching row: %v", err)
		}
	}
}

// SeedPlayerStatus records a player's roster position. Position 1 is the
// pitcher slot, which the batting run environment excludes.
func SeedPlayerStatus(t *testing.T, db *sql.DB, playerID, position int) {
	t.Helper()

	_, err := db.Exec(
		`INSERT INTO players_current_status (player_id, position) VALUES ($1, $2)`,
		playerID, position,
	)
	if err != nil {
		t.Fatalf("failed to seed player status: %v", err)
	}
}

// SeedTeam links a team to its home park.
func SeedTeam(t *testing.T, db *sql.DB, teamID, parkID int) {
	t.Helper()

	_, err := db.Exec(
		`INSERT INTO teams (team_id, park_id) VALUES ($1, $2)`,
		teamID, parkID,
	)
	if err != nil {
		t.Fatalf("failed to seed team: %v", err)
	}
}

// SeedPark records a park with its overall factor, 1.0 being neutral.
func SeedPark(t *testing.T, db *sql.DB, parkID int, factor float64) {
	t.Helper()

	_, err := db.Exec(
		`INSERT INTO parks (park_id, avg) VALUES ($1, $2)`,
		parkID, factor,
	)
	if err != nil {
		t.Fatalf("failed to seed park: %v", err)
	}
}

func nullIfZero(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

package derive

import "math"

// neutralParkFactor is used for players whose team has no park row.
const neutralParkFactor = 1.0

// round4 matches the NUMERIC(8,4) precision of the derived table columns.
func round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}

// ratio returns num/den, treating an empty denominator as a zero rate.
func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}

	return num / den
}

func float64Ptr(v float64) *float64 {
	return &v
}

// GroupKey identifies one sub-league season.
type GroupKey struct {
	Year        int
	LeagueID    int
	SubLeagueID int
}

// LeagueKey identifies one league season.
type LeagueKey struct {
	Year     int
	LeagueID int
}

// RunEnvironment is the scoring context of one sub-league season, derived
// from its pitching totals.
type RunEnvironment struct {
	Runs       float64
	Outs       float64
	PA         float64
	RunsPerOut float64
	RunsPerPA  float64
}

// NewRunEnvironment derives the per-out and per-plate-appearance scoring
// rates. Empty totals yield zero rates.
func NewRunEnvironment(runs, outs, pa float64) RunEnvironment {
	return RunEnvironment{
		Runs:       runs,
		Outs:       outs,
		PA:         pa,
		RunsPerOut: round4(ratio(runs, outs)),
		RunsPerPA:  round4(ratio(runs, pa)),
	}
}

// BattingTotals aggregates one sub-league season of batting counting stats.
type BattingTotals struct {
	AB  float64
	BB  float64
	IBB float64
	HP  float64
	H   float64
	D   float64
	T   float64
	HR  float64
	SB  float64
	CS  float64
	SF  float64
}

// RunValues holds the linear weights and wOBA coefficients for one
// sub-league season.
type RunValues struct {
	RunBB  float64
	RunHBP float64
	Run1B  float64
	Run2B  float64
	Run3B  float64
	RunHR  float64
	RunSB  float64
	RunCS  float64

	RunMinus  float64
	RunPlus   float64
	LgWOBA    float64
	WOBAScale float64

	WOBABB  float64
	WOBAHBP float64
	WOBA1B  float64
	WOBA2B  float64
	WOBA3B  float64
	WOBAHR  float64
	WOBASB  float64
	WOBACS  float64
}

// NewRunValues derives event linear weights from the run environment and
// scales them into wOBA coefficients using the sub-league batting totals.
// A zero denominator anywhere yields a zero value, never an error.
func NewRunValues(runsPerOut float64, b BattingTotals) RunValues {
	rv := RunValues{
		RunBB: runsPerOut + 0.14,
		RunHR: 1.4,
		RunSB: 0.2,
		RunCS: -(2*runsPerOut + 0.075),
	}

	rv.RunHBP = rv.RunBB + 0.025
	rv.Run1B = rv.RunHBP + 0.155
	rv.Run2B = rv.Run1B + 0.3
	rv.Run3B = rv.Run2B + 0.27

	singles := b.H - b.D - b.T - b.HR
	weighted := rv.RunBB*(b.BB-b.IBB) + rv.RunHBP*b.HP + rv.Run1B*singles +
		rv.Run2B*b.D + rv.Run3B*b.T + rv.RunHR*b.HR + rv.RunSB*b.SB + rv.RunCS*b.CS

	rv.RunMinus = ratio(weighted, b.AB-b.H+b.SF)
	rv.RunPlus = ratio(weighted, b.BB-b.IBB+b.HP+b.H)
	rv.LgWOBA = ratio(b.H+b.BB-b.IBB+b.HP, b.AB+b.BB-b.IBB+b.HP+b.SF)
	rv.WOBAScale = ratio(1, rv.RunPlus+rv.RunMinus)

	rv.WOBABB = (rv.RunBB + rv.RunMinus) * rv.WOBAScale
	rv.WOBAHBP = (rv.RunHBP + rv.RunMinus) * rv.WOBAScale
	rv.WOBA1B = (rv.Run1B + rv.RunMinus) * rv.WOBAScale
	rv.WOBA2B = (rv.Run2B + rv.RunMinus) * rv.WOBAScale
	rv.WOBA3B = (rv.Run3B + rv.RunMinus) * rv.WOBAScale
	rv.WOBAHR = (rv.RunHR + rv.RunMinus) * rv.WOBAScale
	rv.WOBASB = rv.RunSB * rv.WOBAScale
	rv.WOBACS = rv.RunCS * rv.WOBAScale

	return rv.rounded()
}

// rounded snaps every coefficient to storage precision so recomputing from
// the stored rows reproduces them exactly.
func (rv RunValues) rounded() RunValues {
	return RunValues{
		RunBB:     round4(rv.RunBB),
		RunHBP:    round4(rv.RunHBP),
		Run1B:     round4(rv.Run1B),
		Run2B:     round4(rv.Run2B),
		Run3B:     round4(rv.Run3B),
		RunHR:     round4(rv.RunHR),
		RunSB:     round4(rv.RunSB),
		RunCS:     round4(rv.RunCS),
		RunMinus:  round4(rv.RunMinus),
		RunPlus:   round4(rv.RunPlus),
		LgWOBA:    round4(rv.LgWOBA),
		WOBAScale: round4(rv.WOBAScale),
		WOBABB:    round4(rv.WOBABB),
		WOBAHBP:   round4(rv.WOBAHBP),
		WOBA1B:    round4(rv.WOBA1B),
		WOBA2B:    round4(rv.WOBA2B),
		WOBA3B:    round4(rv.WOBA3B),
		WOBAHR:    round4(rv.WOBAHR),
		WOBASB:    round4(rv.WOBASB),
		WOBACS:    round4(rv.WOBACS),
	}
}

// PitchingTotals aggregates one league or sub-league season of pitching
// counting stats. FB is only populated for the league-level FIP inputs.
type PitchingTotals struct {
	HRA  float64
	BB   float64
	HP   float64
	K    float64
	Outs float64
	ER   float64
	FB   float64
}

// FIPConstants is the league-season FIP context.
type FIPConstants struct {
	LgERA       float64
	LgHRPerFB   float64
	FIPConstant float64
}

// NewFIPConstants derives the league ERA, the home-run-per-fly-ball rate,
// and the FIP constant. Zero innings or fly balls yield zero outputs.
func NewFIPConstants(t PitchingTotals) FIPConstants {
	ip := t.Outs / 3

	fc := FIPConstants{
		LgERA:     ratio(9*t.ER, ip),
		LgHRPerFB: ratio(t.HRA, t.FB),
	}

	if ip != 0 {
		fc.FIPConstant = fc.LgERA - (13*t.HRA+3*(t.BB+t.HP)-2*t.K)/ip
	}

	fc.LgERA = round4(fc.LgERA)
	fc.LgHRPerFB = round4(fc.LgHRPerFB)
	fc.FIPConstant = round4(fc.FIPConstant)

	return fc
}

// BattingEnvironment is the non-pitcher scoring baseline of one sub-league
// season.
type BattingEnvironment struct {
	PA        float64
	Runs      float64
	RunsPerPA float64
}

// NewBattingEnvironment derives the baseline scoring rate.
func NewBattingEnvironment(pa, runs float64) BattingEnvironment {
	return BattingEnvironment{
		PA:        pa,
		Runs:      runs,
		RunsPerPA: round4(ratio(runs, pa)),
	}
}

// PitchingEnvironment is the pitching baseline of one sub-league season.
type PitchingEnvironment struct {
	IP    float64
	ER    float64
	LgERA float64
	LgFIP float64
}

// NewPitchingEnvironment derives the sub-league ERA and FIP baselines. The
// FIP baseline folds in the league FIP constant.
func NewPitchingEnvironment(t PitchingTotals, fipConstant float64) PitchingEnvironment {
	ip := t.Outs / 3

	env := PitchingEnvironment{
		IP:    round4(ip),
		ER:    t.ER,
		LgERA: ratio(9*t.ER, ip),
	}

	if ip != 0 {
		env.LgFIP = (13*t.HRA+3*(t.BB+t.HP)-2*t.K)/ip + fipConstant
	}

	env.LgERA = round4(env.LgERA)
	env.LgFIP = round4(env.LgFIP)

	return env
}

// BattingLine is one player season batting row, overall split.
type BattingLine struct {
	PA  float64
	AB  float64
	BB  float64
	IBB float64
	HP  float64
	H   float64
	D   float64
	T   float64
	HR  float64
	SF  float64
}

// BattingMetrics is the weighted-value output for one player season. Nil
// fields stay NULL on the stats row.
type BattingMetrics struct {
	WOBA    *float64
	WRAA    *float64
	WRC     *float64
	WRCPlus *float64
}

// NewBattingMetrics computes wOBA and the weighted-runs family for one
// player row. lroRunsPerPA is the league-wide scoring baseline,
// envRunsPerPA the non-pitcher sub-league baseline, pf the player's home
// park factor. A zero wOBA denominator leaves wOBA NULL with zero
// dependents; wrc_plus is NULL when the player has no plate appearances or
// the environment rate is zero.
func NewBattingMetrics(line BattingLine, rv RunValues, lroRunsPerPA, envRunsPerPA, pf float64) BattingMetrics {
	m := BattingMetrics{}

	var woba float64

	denom := line.AB + line.BB - line.IBB + line.HP + line.SF
	if denom != 0 {
		singles := line.H - line.D - line.T - line.HR
		woba = (rv.WOBABB*(line.BB-line.IBB) + rv.WOBAHBP*line.HP + rv.WOBA1B*singles +
			rv.WOBA2B*line.D + rv.WOBA3B*line.T + rv.WOBAHR*line.HR) / denom
		m.WOBA = float64Ptr(round4(woba))
	}

	var wraa, wrc float64

	if m.WOBA != nil && rv.WOBAScale != 0 {
		wraa = (woba - rv.LgWOBA) / rv.WOBAScale * line.PA
		wrc = math.Round(((woba-rv.LgWOBA)/rv.WOBAScale + lroRunsPerPA) * line.PA)
	}

	m.WRAA = float64Ptr(round4(wraa))
	m.WRC = float64Ptr(wrc)

	if line.PA != 0 && envRunsPerPA != 0 {
		parkAdj := lroRunsPerPA - pf*lroRunsPerPA
		wrcPlus := math.Round(100 * ((wraa/line.PA + lroRunsPerPA) + parkAdj) / envRunsPerPA)
		m.WRCPlus = float64Ptr(wrcPlus)
	}

	return m
}

// PitchingLine is one player season pitching row, overall split.
type PitchingLine struct {
	Outs float64
	HRA  float64
	BB   float64
	HP   float64
	K    float64
	FB   float64
	ERA  float64
}

// PitchingMetrics is the run-prevention output for one player season. Nil
// fields stay NULL on the stats row.
type PitchingMetrics struct {
	FIP      *float64
	XFIP     *float64
	ERAPlus  *float64
	ERAMinus *float64
	FIPMinus *float64
}

// NewPitchingMetrics computes FIP, xFIP, and the park-adjusted index
// metrics for one player row. era_plus is NULL for a zero ERA; the minus
// indexes are NULL when the park-adjusted baseline is zero.
func NewPitchingMetrics(line PitchingLine, fc FIPConstants, env PitchingEnvironment, pf float64) PitchingMetrics {
	m := PitchingMetrics{}

	ip := line.Outs / 3
	if ip == 0 {
		return m
	}

	fip := (13*line.HRA+3*(line.BB+line.HP)-2*line.K)/ip + fc.FIPConstant
	xfip := (13*(line.FB*fc.LgHRPerFB)+3*(line.BB+line.HP)-2*line.K)/ip + fc.FIPConstant

	m.FIP = float64Ptr(round4(fip))
	m.XFIP = float64Ptr(round4(xfip))

	adjERA := env.LgERA * pf
	if line.ERA != 0 {
		m.ERAPlus = float64Ptr(math.Round(100 * adjERA / line.ERA))
	}

	if adjERA != 0 {
		m.ERAMinus = float64Ptr(math.Round(100 * line.ERA / adjERA))
	}

	if adjFIP := env.LgFIP * pf; adjFIP != 0 {
		m.FIPMinus = float64Ptr(math.Round(100 * fip / adjFIP))
	}

	return m
}

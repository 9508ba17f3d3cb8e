package derive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunEnvironment(t *testing.T) {
	tests := []struct {
		name     string
		runs     float64
		outs     float64
		pa       float64
		wantRPO  float64
		wantRPPA float64
	}{
		{
			name:     "typical season",
			runs:     500,
			outs:     1000,
			pa:       1500,
			wantRPO:  0.5,
			wantRPPA: 0.3333,
		},
		{
			name:     "zero outs yields zero rate",
			runs:     10,
			outs:     0,
			pa:       40,
			wantRPO:  0,
			wantRPPA: 0.25,
		},
		{
			name: "empty league",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewRunEnvironment(tt.runs, tt.outs, tt.pa)

			assert.InDelta(t, tt.wantRPO, env.RunsPerOut, 0.0001)
			assert.InDelta(t, tt.wantRPPA, env.RunsPerPA, 0.0001)
			assert.Equal(t, tt.runs, env.Runs)
		})
	}
}

func TestNewRunValuesLinearWeights(t *testing.T) {
	// A half run per out pins the whole weight chain.
	rv := NewRunValues(0.5, BattingTotals{AB: 100, H: 30})

	assert.InDelta(t, 0.64, rv.RunBB, 0.0001)
	assert.InDelta(t, 0.665, rv.RunHBP, 0.0001)
	assert.InDelta(t, 0.82, rv.Run1B, 0.0001)
	assert.InDelta(t, 1.12, rv.Run2B, 0.0001)
	assert.InDelta(t, 1.39, rv.Run3B, 0.0001)
	assert.InDelta(t, 1.4, rv.RunHR, 0.0001)
	assert.InDelta(t, 0.2, rv.RunSB, 0.0001)
	assert.InDelta(t, -1.075, rv.RunCS, 0.0001)
}

func TestNewRunValuesScalesCoefficients(t *testing.T) {
	totals := BattingTotals{
		AB: 100, H: 30, D: 5, T: 1, HR: 4,
		BB: 10, IBB: 2, HP: 2, SB: 6, CS: 3, SF: 3,
	}

	rv := NewRunValues(0.5, totals)

	// Weighted event runs: 33.415 over 73 batting outs and 40 times on base.
	assert.InDelta(t, 0.4577, rv.RunMinus, 0.0001)
	assert.InDelta(t, 0.8354, rv.RunPlus, 0.0001)
	assert.InDelta(t, 0.3540, rv.LgWOBA, 0.0001)
	assert.InDelta(t, 0.7733, rv.WOBAScale, 0.0001)
	assert.InDelta(t, 0.8489, rv.WOBABB, 0.0001)
	assert.InDelta(t, -0.8313, rv.WOBACS, 0.0001)
}

func TestNewRunValuesZeroDenominators(t *testing.T) {
	rv := NewRunValues(0.5, BattingTotals{})

	// The linear weights only need the run environment.
	assert.InDelta(t, 0.64, rv.RunBB, 0.0001)

	assert.Zero(t, rv.RunMinus)
	assert.Zero(t, rv.RunPlus)
	assert.Zero(t, rv.LgWOBA)
	assert.Zero(t, rv.WOBAScale)
	assert.Zero(t, rv.WOBABB)
	assert.Zero(t, rv.WOBACS)
}

func TestNewFIPConstants(t *testing.T) {
	// 4500 outs = 1500 innings.
	fc := NewFIPConstants(PitchingTotals{
		HRA: 150, BB: 500, HP: 50, K: 1200, Outs: 4500, ER: 700, FB: 1800,
	})

	assert.InDelta(t, 4.2, fc.LgERA, 0.0001)
	assert.InDelta(t, 3.4, fc.FIPConstant, 0.0001)
	assert.InDelta(t, 0.0833, fc.LgHRPerFB, 0.0001)
}

func TestNewFIPConstantsZeroTotals(t *testing.T) {
	fc := NewFIPConstants(PitchingTotals{HRA: 5})

	assert.Zero(t, fc.LgERA)
	assert.Zero(t, fc.FIPConstant)
	assert.Zero(t, fc.LgHRPerFB)
}

func TestNewBattingEnvironment(t *testing.T) {
	env := NewBattingEnvironment(6000, 700)
	assert.InDelta(t, 0.1167, env.RunsPerPA, 0.0001)

	empty := NewBattingEnvironment(0, 0)
	assert.Zero(t, empty.RunsPerPA)
}

func TestNewPitchingEnvironment(t *testing.T) {
	env := NewPitchingEnvironment(PitchingTotals{
		HRA: 20, BB: 60, HP: 10, K: 180, Outs: 600, ER: 90,
	}, 3.2)

	assert.InDelta(t, 200, env.IP, 0.0001)
	assert.InDelta(t, 4.05, env.LgERA, 0.0001)
	assert.InDelta(t, 3.75, env.LgFIP, 0.0001)
}

func TestNewBattingMetrics(t *testing.T) {
	rv := RunValues{
		WOBABB: 0.7, WOBAHBP: 0.73, WOBA1B: 0.9,
		WOBA2B: 1.25, WOBA3B: 1.6, WOBAHR: 2.0,
		LgWOBA: 0.32, WOBAScale: 1.2,
	}
	line := BattingLine{PA: 10, AB: 8, BB: 2, H: 4, D: 1, HR: 1}

	m := NewBattingMetrics(line, rv, 0.12, 0.11, 1.0)

	require.NotNil(t, m.WOBA)
	assert.InDelta(t, 0.645, *m.WOBA, 0.0001)
	require.NotNil(t, m.WRAA)
	assert.InDelta(t, 2.7083, *m.WRAA, 0.0001)
	require.NotNil(t, m.WRC)
	assert.InDelta(t, 4, *m.WRC, 0.0001)
	require.NotNil(t, m.WRCPlus)
	assert.InDelta(t, 355, *m.WRCPlus, 0.0001)
}

func TestNewBattingMetricsParkAdjustment(t *testing.T) {
	rv := RunValues{
		WOBABB: 0.7, WOBAHBP: 0.73, WOBA1B: 0.9,
		WOBA2B: 1.25, WOBA3B: 1.6, WOBAHR: 2.0,
		LgWOBA: 0.32, WOBAScale: 1.2,
	}
	line := BattingLine{PA: 10, AB: 8, BB: 2, H: 4, D: 1, HR: 1}

	// A hitter-friendly park deflates the index.
	m := NewBattingMetrics(line, rv, 0.12, 0.11, 1.1)

	require.NotNil(t, m.WRCPlus)
	assert.InDelta(t, 344, *m.WRCPlus, 0.0001)
}

func TestNewBattingMetricsZeroPlateAppearances(t *testing.T) {
	rv := RunValues{LgWOBA: 0.32, WOBAScale: 1.2}

	m := NewBattingMetrics(BattingLine{}, rv, 0.12, 0.11, 1.0)

	assert.Nil(t, m.WOBA)
	require.NotNil(t, m.WRAA)
	assert.Zero(t, *m.WRAA)
	require.NotNil(t, m.WRC)
	assert.Zero(t, *m.WRC)
	assert.Nil(t, m.WRCPlus)
}

func TestNewPitchingMetrics(t *testing.T) {
	line := PitchingLine{Outs: 600, HRA: 20, BB: 60, HP: 10, K: 180, FB: 250, ERA: 3.6}
	fc := FIPConstants{FIPConstant: 3.2, LgHRPerFB: 0.1}
	env := PitchingEnvironment{LgERA: 4.5, LgFIP: 4.2}

	m := NewPitchingMetrics(line, fc, env, 1.0)

	require.NotNil(t, m.FIP)
	assert.InDelta(t, 3.75, *m.FIP, 0.0001)
	require.NotNil(t, m.XFIP)
	assert.InDelta(t, 4.075, *m.XFIP, 0.0001)
	require.NotNil(t, m.ERAPlus)
	assert.InDelta(t, 125, *m.ERAPlus, 0.0001)
	require.NotNil(t, m.ERAMinus)
	assert.InDelta(t, 80, *m.ERAMinus, 0.0001)
	require.NotNil(t, m.FIPMinus)
	assert.InDelta(t, 89, *m.FIPMinus, 0.0001)
}

func TestNewPitchingMetricsZeroERA(t *testing.T) {
	line := PitchingLine{Outs: 600, K: 180}
	fc := FIPConstants{FIPConstant: 3.2}
	env := PitchingEnvironment{LgERA: 4.5, LgFIP: 4.2}

	m := NewPitchingMetrics(line, fc, env, 1.0)

	assert.Nil(t, m.ERAPlus)
	require.NotNil(t, m.ERAMinus)
	assert.Zero(t, *m.ERAMinus)
	require.NotNil(t, m.FIP)
}

func TestNewPitchingMetricsZeroOuts(t *testing.T) {
	m := NewPitchingMetrics(PitchingLine{ERA: 3.6}, FIPConstants{}, PitchingEnvironment{}, 1.0)

	assert.Nil(t, m.FIP)
	assert.Nil(t, m.XFIP)
	assert.Nil(t, m.ERAPlus)
	assert.Nil(t, m.ERAMinus)
	assert.Nil(t, m.FIPMinus)
}

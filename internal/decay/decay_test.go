package decay

import (
	"math"
	"testing"
	"time"

	"github.com/compemperor/engram/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func record(quality int) *model.Record {
	return &model.Record{
		ID:             "r1",
		Quality:        quality,
		CreatedAt:      epoch,
		LastAccessedAt: epoch,
		State:          model.StateActive,
	}
}

func TestStrengthFreshRecord(t *testing.T) {
	m := Default()
	r := record(10)
	// 0.4*1 + 0.3*0.5 + 0.3*1
	assert.InDelta(t, 0.85, m.Strength(r, epoch), 1e-9)
}

func TestStrengthHalfLife(t *testing.T) {
	m := Default()
	r := record(10)
	got := m.RecencyComponent(r, epoch.Add(30*24*time.Hour))
	assert.InDelta(t, 0.5, got, 1e-9)
}

func TestStrengthRecallComponent(t *testing.T) {
	m := Default()
	r := record(5)
	assert.Equal(t, 0.5, m.RecallComponent(r), "neutral prior without attempts")

	r.RecallAttempts, r.RecallSuccesses = 4, 3
	assert.Equal(t, 0.75, m.RecallComponent(r))
}

func TestStrengthNeverBelowMin(t *testing.T) {
	m := Default()
	m.QualityWeight, m.RecallWeight, m.RecencyWeight = 0, 0, 1
	r := record(1)
	got := m.Strength(r, epoch.Add(100*365*24*time.Hour))
	assert.Equal(t, m.MinStrength, got)
}

func TestStrengthMonotoneBetweenAccesses(t *testing.T) {
	m := Default()
	for q := 1; q <= 10; q++ {
		r := record(q)
		r.RecallAttempts, r.RecallSuccesses = 3, 1
		prev := math.Inf(1)
		for day := 0; day <= 400; day += 5 {
			s := m.Strength(r, epoch.Add(time.Duration(day)*24*time.Hour))
			require.LessOrEqual(t, s, prev, "quality %d day %d", q, day)
			require.GreaterOrEqual(t, s, m.MinStrength)
			prev = s
		}
	}
}

func TestStrengthIdempotent(t *testing.T) {
	m := Default()
	r := record(7)
	now := epoch.Add(12 * 24 * time.Hour)
	m.Recompute(r, now)
	first := r.Strength
	m.Recompute(r, now)
	assert.Equal(t, first, r.Strength)
}

func TestNegativeAgeTreatedAsZero(t *testing.T) {
	m := Default()
	r := record(10)
	assert.Equal(t, m.Strength(r, epoch), m.Strength(r, epoch.Add(-time.Hour)))
}

func TestRefreshTransitionsToDormant(t *testing.T) {
	m := Default()
	r := record(1)
	r.RecallAttempts = 2 // recall component 0

	changed := m.Refresh(r, epoch.Add(24*time.Hour))
	assert.False(t, changed, "fresh low-quality record still above threshold")
	assert.Equal(t, model.StateActive, r.State)

	changed = m.Refresh(r, epoch.Add(90*24*time.Hour))
	assert.True(t, changed)
	assert.Equal(t, model.StateDormant, r.State)
	assert.Less(t, r.Strength, m.DormantThreshold)
	require.NoError(t, m.Check(r))
}

func TestRefreshNeverPromotesDormant(t *testing.T) {
	m := Default()
	r := record(1)
	r.RecallAttempts = 2
	m.Refresh(r, epoch.Add(90*24*time.Hour))
	require.Equal(t, model.StateDormant, r.State)

	changed := m.Refresh(r, epoch.Add(91*24*time.Hour))
	assert.False(t, changed)
	assert.Equal(t, model.StateDormant, r.State)
}

func TestRefreshLeavesArchived(t *testing.T) {
	m := Default()
	r := record(1)
	r.State = model.StateArchived
	assert.False(t, m.Refresh(r, epoch.Add(365*24*time.Hour)))
	assert.Equal(t, model.StateArchived, r.State)
}

func TestReinforceRestoresDormant(t *testing.T) {
	m := Default()
	r := record(2)
	r.RecallAttempts = 2
	later := epoch.Add(120 * 24 * time.Hour)
	m.Refresh(r, later)
	require.Equal(t, model.StateDormant, r.State)

	changed := m.Reinforce(r, later)
	assert.True(t, changed)
	assert.Equal(t, model.StateActive, r.State)
	assert.Equal(t, later, r.LastAccessedAt)
	assert.Equal(t, 1, r.AccessCount)
	assert.Greater(t, r.Strength, m.DormantThreshold)
}

func TestReinforceKeepsDormantWhenStillWeak(t *testing.T) {
	m := &Model{
		QualityWeight: 0.5, RecallWeight: 0.5, RecencyWeight: 0,
		HalfLifeDays: 30, MinStrength: 0.01, DormantThreshold: 0.5,
	}
	r := record(1)
	r.RecallAttempts = 3
	r.State = model.StateDormant
	m.Recompute(r, epoch)

	changed := m.Reinforce(r, epoch)
	assert.False(t, changed)
	assert.Equal(t, model.StateDormant, r.State)
}

func TestAtRisk(t *testing.T) {
	m := Default()
	r := record(5)
	r.Strength = 0.25
	assert.True(t, m.AtRisk(r, 0.15))
	r.Strength = 0.4
	assert.False(t, m.AtRisk(r, 0.15))
	r.Strength = 0.19
	assert.False(t, m.AtRisk(r, 0.15))
}

func TestCheck(t *testing.T) {
	m := Default()
	r := record(5)
	r.Strength = 1.2
	assert.ErrorIs(t, m.Check(r), model.ErrInvariantViolation)

	r.Strength = 0.5
	r.State = model.StateDormant
	assert.ErrorIs(t, m.Check(r), model.ErrInvariantViolation)

	r.State = model.StateActive
	assert.NoError(t, m.Check(r))
}

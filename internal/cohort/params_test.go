package cohort

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/devcohort/internal/config"
	"github.com/kurihiro0119/devcohort/internal/domain"
	apperrors "github.com/kurihiro0119/devcohort/internal/errors"
	"github.com/kurihiro0119/devcohort/internal/sampler"
)

func defaults() Params {
	return DefaultParams(config.Sampling{
		Seed:                     20240101,
		UsersPerBand:             40,
		SearchPageSize:           100,
		SearchPagesPerOrder:      2,
		LanguageCount:            5,
		ReposPerLanguage:         20,
		MinStars:                 1000,
		PRPages:                  3,
		IssuePages:               3,
		BaselineYears:            []int{2021, 2022},
		MinBaselineContributions: 50,
		Years:                    []int{2020, 2021, 2022, 2023, 2024, 2025},
		UpsertChunkSize:          200,
	}, config.Upstream{
		GraphQLThrottle: 800 * time.Millisecond,
		RequestTimeout:  30 * time.Second,
		RetryAttempts:   3,
		RetryBaseDelay:  time.Second,
		RetryMaxDelay:   30 * time.Second,
	})
}

func TestDefaultBands(t *testing.T) {
	bands := DefaultBands()
	require.Len(t, bands, 5)
	assert.Equal(t, "type:user followers:>=5000", bands[0].Query())
	assert.Equal(t, "type:user followers:1500..4999", bands[1].Query())
	assert.Equal(t, "type:user followers:50..149", bands[4].Query())
	assert.Equal(t, domain.TierCasual, bands[3].Tier)

	p := defaults()
	require.NoError(t, p.Validate())
	assert.Equal(t, 40, p.TargetFor(bands[0]))
	assert.Equal(t, 7, p.TargetFor(sampler.Band{Tier: domain.TierTop, Target: 7}))
}

func TestOverridesApply(t *testing.T) {
	var o Overrides
	require.NoError(t, json.Unmarshal([]byte(`{
		"seed": 7,
		"users_per_band": 5,
		"graphql_throttle": "1.5s",
		"years": [2023, 2024]
	}`), &o))

	p, err := o.Apply(defaults())
	require.NoError(t, err)
	assert.Equal(t, uint32(7), p.Seed)
	assert.Equal(t, 5, p.UsersPerBand)
	assert.Equal(t, Duration(1500*time.Millisecond), p.GraphQLThrottle)
	assert.Equal(t, []int{2023, 2024}, p.Years)
	// untouched fields keep their configured values
	assert.Equal(t, 100, p.SearchPageSize)
	assert.Len(t, p.Bands, 5)
}

func TestOverridesApply_Invalid(t *testing.T) {
	zero := 0
	tooMany := 11
	tests := []struct {
		name string
		o    Overrides
	}{
		{"page size", Overrides{SearchPageSize: &zero}},
		{"language count", Overrides{LanguageCount: &tooMany}},
		{"retry attempts", Overrides{RetryAttempts: &zero}},
		{"empty band", Overrides{Bands: []sampler.Band{{Tier: domain.TierMid, Min: 10, Max: intPtr(10)}}}},
		{"unknown tier", Overrides{Bands: []sampler.Band{{Tier: "elite", Min: 10}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.o.Apply(defaults())
			assert.True(t, apperrors.IsBadRequest(err), "got %v", err)
		})
	}
}

func TestSnapshotPreservesParameters(t *testing.T) {
	p := defaults()
	s, err := p.Snapshot()
	require.NoError(t, err)
	assert.Contains(t, s, `"graphql_throttle":"800ms"`)
	assert.Contains(t, s, `"seed":20240101`)

	restored, err := ParseSnapshot(s)
	require.NoError(t, err)
	assert.Equal(t, p, restored)
}

func TestDefaultBands_SeedsAreDistinct(t *testing.T) {
	bands := DefaultBands()
	var offsets []uint32
	for _, b := range bands {
		offsets = append(offsets, sampler.BandSeed(0, b.Min, b.Max))
	}
	assert.Equal(t, []uint32{155000, 131500, 41000, 13150, 4100}, offsets)

	seen := make(map[uint32]string)
	for _, b := range bands {
		seed := sampler.BandSeed(20240101, b.Min, b.Max)
		prev, dup := seen[seed]
		assert.False(t, dup, "band %s shares seed %d with %s", b, seed, prev)
		seen[seed] = b.String()
	}
}

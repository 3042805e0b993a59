package aggregator

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kurihiro0119/devcohort/internal/domain"
	apperrors "github.com/kurihiro0119/devcohort/internal/errors"
)

// MonthLayout is the key format of monthly buckets
const MonthLayout = "2006-01"

// MonthsBetween returns the first day of every calendar month touched by [start, end]
func MonthsBetween(start, end time.Time) []time.Time {
	start, end = start.UTC(), end.UTC()
	if end.Before(start) {
		return nil
	}
	var months []time.Time
	cur := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !cur.After(end) {
		months = append(months, cur)
		cur = cur.AddDate(0, 1, 0)
	}
	return months
}

// DaysInMonth returns the number of days in t's calendar month
func DaysInMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// DaysBetween counts the calendar days of the inclusive range [start, end]
func DaysBetween(start, end time.Time) int {
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	e := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	return int(e.Sub(s).Hours()/24) + 1
}

// Percentile interpolates the q-quantile of an ascending slice:
// k = (n-1)q, linear between the floor and ceil order statistics.
// An empty slice yields 0.
func Percentile(sorted []float64, q float64) (float64, error) {
	if math.IsNaN(q) || math.IsInf(q, 0) || q < 0 || q > 1 {
		return 0, apperrors.NewBadRequestError(fmt.Sprintf("quantile %v outside [0,1]", q))
	}
	n := len(sorted)
	if n == 0 {
		return 0, nil
	}
	k := float64(n-1) * q
	lo := int(math.Floor(k))
	hi := int(math.Ceil(k))
	if lo == hi {
		return sorted[lo], nil
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(k-float64(lo)), nil
}

// ZeroPad extends values with zeros up to size
func ZeroPad(values []float64, size int) []float64 {
	out := make([]float64, len(values), max(len(values), size))
	copy(out, values)
	for len(out) < size {
		out = append(out, 0)
	}
	return out
}

// Summarize computes the mean and the p10..p90 percentiles of values
func Summarize(values []float64) (domain.Distribution, error) {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	d := domain.Distribution{N: len(sorted)}
	var sum float64
	for _, v := range sorted {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return d, apperrors.NewBadRequestError("distribution contains a non-finite value")
		}
		sum += v
	}
	if d.N > 0 {
		d.Mean = sum / float64(d.N)
	}

	for _, p := range []struct {
		q   float64
		dst *float64
	}{
		{0.10, &d.P10},
		{0.25, &d.P25},
		{0.50, &d.P50},
		{0.75, &d.P75},
		{0.90, &d.P90},
	} {
		v, err := Percentile(sorted, p.q)
		if err != nil {
			return d, err
		}
		*p.dst = v
	}
	return d, nil
}

// periodStats builds the panel statistics of one tier over a span of days.
// rates are the per-user daily rates of active users; they are zero-padded to
// the cohort size so inactive users count as explicit zeros.
func periodStats(tier domain.Tier, users, days int, contributions, activeDays int64, rates []float64) (domain.PeriodStats, error) {
	s := domain.PeriodStats{
		Tier:           tier,
		Users:          users,
		Days:           days,
		Contributions:  contributions,
		ActiveUserDays: activeDays,
	}
	if userDays := float64(users) * float64(days); userDays > 0 {
		s.ContributionsPerUserPerDay = float64(contributions) / userDays
		s.ActiveDayShare = float64(activeDays) / userDays
	}
	if activeDays > 0 {
		s.ContributionsPerActiveDay = float64(contributions) / float64(activeDays)
	}
	dist, err := Summarize(ZeroPad(rates, users))
	if err != nil {
		return s, err
	}
	s.Distribution = dist
	return s, nil
}

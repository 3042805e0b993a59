package sampler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kurihiro0119/devcohort/internal/collector"
	"github.com/kurihiro0119/devcohort/internal/domain"
)

// Band is a follower-count stratum. Max is exclusive; nil means unbounded.
type Band struct {
	Tier   domain.Tier `json:"tier"`
	Min    int         `json:"min"`
	Max    *int        `json:"max,omitempty"`
	Target int         `json:"target"`
}

// Query returns the user search query of the band
func (b Band) Query() string {
	if b.Max == nil {
		return fmt.Sprintf("type:user followers:>=%d", b.Min)
	}
	return fmt.Sprintf("type:user followers:%d..%d", b.Min, *b.Max-1)
}

// Seed returns the band's derived seed
func (b Band) Seed(base uint32) uint32 {
	return BandSeed(base, b.Min, b.Max)
}

func (b Band) String() string {
	if b.Max == nil {
		return fmt.Sprintf("%s[%d,inf)", b.Tier, b.Min)
	}
	return fmt.Sprintf("%s[%d,%d)", b.Tier, b.Min, *b.Max)
}

// UserSearcher is the search operation the sampler pages through
type UserSearcher interface {
	SearchUsers(ctx context.Context, query string, order collector.SortOrder, page, perPage int) ([]domain.SearchUser, error)
}

// Sampler draws reproducible per-band samples
type Sampler struct {
	search        UserSearcher
	pageSize      int
	pagesPerOrder int
	logger        *zap.Logger
}

// New creates a sampler
func New(search UserSearcher, pageSize, pagesPerOrder int, logger *zap.Logger) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{
		search:        search,
		pageSize:      pageSize,
		pagesPerOrder: pagesPerOrder,
		logger:        logger,
	}
}

// Sample collects candidates for band in both sort orders, deduplicates them
// by platform id, shuffles them with the band seed and keeps the first target.
// The same seed and search results always give the same ordered sample.
func (s *Sampler) Sample(ctx context.Context, band Band, target int, baseSeed uint32) ([]domain.SearchUser, error) {
	query := band.Query()

	var candidates []domain.SearchUser
	index := make(map[int64]int)
	for _, order := range []collector.SortOrder{collector.SortAsc, collector.SortDesc} {
		for page := 1; page <= s.pagesPerOrder; page++ {
			users, err := s.search.SearchUsers(ctx, query, order, page, s.pageSize)
			if err != nil {
				return nil, fmt.Errorf("failed to search band %s (%s page %d): %w", band, order, page, err)
			}
			for _, u := range users {
				if i, ok := index[u.PlatformID]; ok {
					candidates[i] = u
					continue
				}
				index[u.PlatformID] = len(candidates)
				candidates = append(candidates, u)
			}
			if len(users) < s.pageSize {
				break
			}
		}
	}

	seed := band.Seed(baseSeed)
	Shuffle(candidates, NewMulberry32(seed))
	if len(candidates) > target {
		candidates = candidates[:target]
	}

	s.logger.Info("Sampled band",
		zap.String("band", band.String()),
		zap.Uint32("seed", seed),
		zap.Int("candidates", len(index)),
		zap.Int("selected", len(candidates)),
	)
	return candidates, nil
}

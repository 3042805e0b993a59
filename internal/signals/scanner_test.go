package signals

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/devcohort/internal/domain"
)

func TestDetect(t *testing.T) {
	readme := "Built with GitHub Copilot and Claude Code. Copilot is great. Not a cursor pointer."
	files := []domain.RepoFile{
		{Path: "CLAUDE.md", Type: "file"},
		{Path: ".aider.conf.yml", Type: "file"},
		{Path: ".aiderignore", Type: "file"},
		{Path: "docs/CLAUDE.md", Type: "file"},
		{Path: ".github/copilot-instructions.md", Type: "file"},
		{Path: "main.go", Type: "file"},
	}

	found := Detect(readme, files)

	byKey := map[string]domain.AISignal{}
	for _, s := range found {
		byKey[string(s.SignalType)+"/"+s.Source] = s
	}
	assert.Len(t, byKey, 5)

	aider := byKey["config_file/aider"]
	assert.Equal(t, 2, aider.Occurrences)
	assert.Equal(t, []string{".aider.conf.yml", ".aiderignore"}, aider.Examples)

	assert.Equal(t, 1, byKey["config_file/claude"].Occurrences)
	assert.Equal(t, 1, byKey["config_file/copilot"].Occurrences)
	assert.Equal(t, 2, byKey["readme_mention/copilot"].Occurrences)
	assert.Equal(t, 1, byKey["readme_mention/claude"].Occurrences)
	_, ok := byKey["readme_mention/cursor"]
	assert.False(t, ok)
}

func TestScore(t *testing.T) {
	assert.Zero(t, Score(nil))
	assert.Equal(t, 0.5, Score([]domain.AISignal{{SignalType: domain.SignalTypeReadmeMention}}))
	assert.Equal(t, 1.0, Score([]domain.AISignal{
		{SignalType: domain.SignalTypeConfigFile},
		{SignalType: domain.SignalTypeReadmeMention},
	}))
}

type fakeSource struct {
	readme    string
	readmeErr error
	files     map[string][]domain.RepoFile
	listErr   error
}

func (f *fakeSource) GetReadme(context.Context, string, string) (string, error) {
	return f.readme, f.readmeErr
}

func (f *fakeSource) ListDirectory(_ context.Context, _, _, dir string) ([]domain.RepoFile, error) {
	if dir == ".github" && f.listErr != nil {
		return nil, f.listErr
	}
	return f.files[dir], nil
}

type fakeStore struct {
	signals  []domain.AISignal
	score    float64
	adoption int
}

func (f *fakeStore) UpsertAISignal(_ context.Context, s *domain.AISignal) error {
	f.signals = append(f.signals, *s)
	return nil
}

func (f *fakeStore) UpdateRepositoryAdoption(_ context.Context, _ int64, score float64, _ time.Time) error {
	f.score = score
	f.adoption++
	return nil
}

func TestScanRepository(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{
		readme:  "Try it in ChatGPT",
		files:   map[string][]domain.RepoFile{"": {{Path: "AGENTS.md"}}},
		listErr: errors.New("connection reset"),
	}
	store := &fakeStore{}
	s := NewScanner(src, store, nil).WithClock(func() time.Time { return now })

	n, err := s.ScanRepository(context.Background(), &domain.SampledRepository{ID: 4, Owner: "o", Name: "r", FullName: "o/r"})
	assert.Error(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, store.signals, 2)
	for _, sig := range store.signals {
		require.NotNil(t, sig.RepoID)
		assert.Equal(t, int64(4), *sig.RepoID)
		assert.Nil(t, sig.UserID)
		assert.Equal(t, now, sig.FirstSeenAt)
	}
	assert.Equal(t, 1.0, store.score)
}

func TestScanRepository_NoSignals(t *testing.T) {
	store := &fakeStore{}
	s := NewScanner(&fakeSource{}, store, nil)

	n, err := s.ScanRepository(context.Background(), &domain.SampledRepository{ID: 1, Owner: "o", Name: "r"})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, store.adoption)
}

func TestScanRepository_ReadmeFailureStillScansListings(t *testing.T) {
	src := &fakeSource{
		readme:    "Built with Copilot",
		readmeErr: errors.New("502 bad gateway"),
		files: map[string][]domain.RepoFile{
			"":        {{Path: "AGENTS.md"}},
			".github": {{Path: ".github/copilot-instructions.md"}},
		},
	}
	store := &fakeStore{}
	s := NewScanner(src, store, nil)

	n, err := s.ScanRepository(context.Background(), &domain.SampledRepository{ID: 2, Owner: "o", Name: "r", FullName: "o/r"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "readme")
	assert.Equal(t, 2, n)
	for _, sig := range store.signals {
		assert.Equal(t, domain.SignalTypeConfigFile, sig.SignalType)
	}
	assert.Equal(t, 1.0, store.score)
}

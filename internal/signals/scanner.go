// Package signals detects AI-tool adoption markers in sampled repositories.
package signals

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kurihiro0119/devcohort/internal/domain"
)

// Signal weights in the adoption score. The score is capped at 1.
const (
	configFileWeight    = 1.0
	readmeMentionWeight = 0.5
	maxExamples         = 3
)

// configMarkers maps a repository path matcher to the signal source it reports.
// Matchers ending in "*" match by prefix.
var configMarkers = []struct {
	dir    string
	name   string
	source string
}{
	{"", ".cursorrules", "cursor"},
	{"", ".cursor", "cursor"},
	{"", "CLAUDE.md", "claude"},
	{"", "AGENTS.md", "agents"},
	{"", ".aider*", "aider"},
	{"", ".windsurfrules", "windsurf"},
	{"", ".clinerules", "cline"},
	{".github", "copilot-instructions.md", "copilot"},
}

var readmePatterns = []struct {
	source string
	re     *regexp.Regexp
}{
	{"copilot", regexp.MustCompile(`(?i)\b(github\s+)?copilot\b`)},
	{"cursor", regexp.MustCompile(`(?i)\bcursor(\.sh|\.com|\s+(ai|ide|editor))\b`)},
	{"claude", regexp.MustCompile(`(?i)\bclaude(\s+code)?\b`)},
	{"chatgpt", regexp.MustCompile(`(?i)\bchatgpt\b`)},
}

// Source is the subset of the upstream client used for scanning
type Source interface {
	GetReadme(ctx context.Context, owner, repo string) (string, error)
	ListDirectory(ctx context.Context, owner, repo, path string) ([]domain.RepoFile, error)
}

// Store is the subset of storage used for scanning
type Store interface {
	UpsertAISignal(ctx context.Context, signal *domain.AISignal) error
	UpdateRepositoryAdoption(ctx context.Context, repoID int64, score float64, firstSeenAt time.Time) error
}

// Scanner records adoption signals for repositories
type Scanner struct {
	source Source
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewScanner creates a scanner
func NewScanner(source Source, store Store, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{source: source, store: store, logger: logger, now: time.Now}
}

// WithClock replaces the scanner's time source
func (s *Scanner) WithClock(now func() time.Time) *Scanner {
	s.now = now
	return s
}

// Detect finds the markers in a README text and the root and .github listings
func Detect(readme string, files []domain.RepoFile) []domain.AISignal {
	var found []domain.AISignal
	seen := make(map[string]int)

	for _, f := range files {
		dir, name := path.Split(f.Path)
		dir = strings.TrimSuffix(dir, "/")
		for _, m := range configMarkers {
			if dir != m.dir || !matchName(m.name, name) {
				continue
			}
			if i, ok := seen[m.source]; ok {
				found[i].Occurrences++
				if len(found[i].Examples) < maxExamples {
					found[i].Examples = append(found[i].Examples, f.Path)
				}
				continue
			}
			seen[m.source] = len(found)
			found = append(found, domain.AISignal{
				SignalType:  domain.SignalTypeConfigFile,
				Source:      m.source,
				Occurrences: 1,
				Examples:    []string{f.Path},
			})
		}
	}

	for _, p := range readmePatterns {
		matches := p.re.FindAllString(readme, -1)
		if len(matches) == 0 {
			continue
		}
		examples := matches
		if len(examples) > maxExamples {
			examples = examples[:maxExamples]
		}
		found = append(found, domain.AISignal{
			SignalType:  domain.SignalTypeReadmeMention,
			Source:      p.source,
			Occurrences: len(matches),
			Examples:    append([]string(nil), examples...),
		})
	}
	return found
}

// Score combines detected signals into an adoption score in [0, 1]
func Score(found []domain.AISignal) float64 {
	var score float64
	for _, sig := range found {
		switch sig.SignalType {
		case domain.SignalTypeConfigFile:
			score += configFileWeight
		case domain.SignalTypeReadmeMention:
			score += readmeMentionWeight
		}
	}
	return math.Min(score, 1)
}

func matchName(pattern, name string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return name == pattern
}

// ScanRepository fetches the README and listings of repo, stores every
// detected signal and updates the repository's adoption score.
// It returns the number of signals stored.
func (s *Scanner) ScanRepository(ctx context.Context, repo *domain.SampledRepository) (int, error) {
	var errs []error
	readme, err := s.source.GetReadme(ctx, repo.Owner, repo.Name)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to fetch readme: %w", err))
		readme = ""
	}

	var files []domain.RepoFile
	for _, dir := range []string{"", ".github"} {
		entries, err := s.source.ListDirectory(ctx, repo.Owner, repo.Name, dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list %q: %w", dir, err))
			continue
		}
		files = append(files, entries...)
	}

	found := Detect(readme, files)
	now := s.now().UTC()
	repoID := repo.ID
	for i := range found {
		sig := found[i]
		sig.RepoID = &repoID
		sig.FirstSeenAt = now
		sig.LastSeenAt = now
		if err := s.store.UpsertAISignal(ctx, &sig); err != nil {
			return i, err
		}
	}

	if len(found) > 0 {
		if err := s.store.UpdateRepositoryAdoption(ctx, repo.ID, Score(found), now); err != nil {
			return len(found), err
		}
		s.logger.Debug("Adoption signals found", zap.String("repo", repo.FullName), zap.Int("signals", len(found)))
	}
	return len(found), errors.Join(errs...)
}

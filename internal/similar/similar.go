// Package similar finds near-duplicate emails so bulk actions can be offered
// on clusters of automated mail instead of confirming each one individually.
//
// Detection runs in three tiers of increasing cost: an exact sender+subject
// signature pre-filter, a heuristic subject/body fallback, and an embedding
// refinement over the signature matches. A single bad candidate never fails
// the whole call; it is simply excluded.
package similar

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mailpilot/mailpilot/internal/types"
)

// Embedder produces a fixed-length vector for a text. Implementations are
// expected to be safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

const (
	embedBatchSize = 5
	matchCap       = 100
	// Embedding input is truncated to roughly this many tokens' worth of text.
	embedCharBudget = 4000
	signatureTokens = 100
)

// Engine clusters near-identical emails. The embedding cache is keyed by
// email id and lives for the process lifetime; a vector is computed at most
// once per id.
type Engine struct {
	embedder  Embedder
	threshold float64
	timeout   time.Duration
	log       *slog.Logger

	mu    sync.Mutex
	cache map[string][]float64
}

// New returns an Engine. embedder may be nil, in which case tier 3 is
// skipped and signature matches are returned as-is.
func New(embedder Embedder, threshold float64, timeout time.Duration, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		embedder:  embedder,
		threshold: threshold,
		timeout:   timeout,
		log:       log,
		cache:     make(map[string][]float64),
	}
}

// FindSimilar returns the candidates judged near-duplicates of source.
// Candidates equal to the source id are skipped. The engine only returns an
// empty result outright when the source has no id.
func (e *Engine) FindSimilar(ctx context.Context, source types.Email, candidates []types.Email) []types.Email {
	if source.ID == "" {
		return nil
	}

	pool := make([]types.Email, 0, len(candidates))
	for _, c := range candidates {
		if c.ID != "" && c.ID != source.ID {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		return nil
	}

	// Tier 1: exact sender + signature.
	srcSig := Signature(source)
	quick := make([]types.Email, 0, len(pool))
	for _, c := range pool {
		if c.From == source.From && Signature(c) == srcSig {
			quick = append(quick, c)
		}
	}

	// Tier 2: heuristic fallback only when tier 1 found nothing.
	if len(quick) == 0 {
		return e.heuristicMatches(source, pool)
	}

	// Tier 3: raise precision on tier-1 matches with embeddings.
	if e.embedder == nil {
		return quick
	}
	refined := e.refineWithEmbeddings(ctx, source, quick)
	if refined == nil {
		// Embedding path unavailable; the signature verdict stands.
		return quick
	}
	return refined
}

func (e *Engine) heuristicMatches(source types.Email, pool []types.Email) []types.Email {
	var matches []types.Email
	for _, c := range pool {
		if c.From != source.From {
			continue
		}
		if !SubjectsSimilar(c.Subject, source.Subject) {
			continue
		}
		formatMatch := fingerprint(c.Body) == fingerprint(source.Body)
		bothUnsub := hasUnsubscribe(c.Body) && hasUnsubscribe(source.Body)
		if formatMatch || bothUnsub {
			matches = append(matches, c)
		}
	}
	e.log.Debug("similarity heuristic pass", "matches", len(matches), "pool", len(pool))
	return matches
}

// refineWithEmbeddings returns nil when the source embedding itself cannot
// be computed, signalling the caller to fall back to the unrefined matches.
func (e *Engine) refineWithEmbeddings(ctx context.Context, source types.Email, quick []types.Email) []types.Email {
	srcVec, err := e.embedding(ctx, source)
	if err != nil || srcVec == nil {
		e.log.Warn("source embedding unavailable", "email", source.ID, "err", err)
		return nil
	}

	similar := make([]types.Email, 0, len(quick))
	for start := 0; start < len(quick); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(quick) {
			end = len(quick)
		}
		for _, c := range quick[start:end] {
			vec, err := e.embedding(ctx, c)
			if err != nil || vec == nil {
				// Timeout or provider failure for one candidate: drop it.
				continue
			}
			if Cosine(srcVec, vec) > e.threshold {
				similar = append(similar, c)
			}
		}
		if len(similar) >= matchCap {
			break
		}
	}
	e.log.Debug("similarity embedding pass", "matches", len(similar), "candidates", len(quick))
	return similar
}

// embedding memoizes one vector per email id.
func (e *Engine) embedding(ctx context.Context, m types.Email) ([]float64, error) {
	e.mu.Lock()
	if vec, ok := e.cache[m.ID]; ok {
		e.mu.Unlock()
		return vec, nil
	}
	e.mu.Unlock()

	text := m.Subject + " " + m.From + " " + m.Body
	if len(text) > embedCharBudget {
		text = text[:embedCharBudget]
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	e.cache[m.ID] = vec
	e.mu.Unlock()
	return vec, nil
}

// Signature is the cheap tier-1 fingerprint: the first tokens of the
// normalized subject + sender, joined back into a comparable string.
func Signature(m types.Email) string {
	fields := strings.Fields(strings.ToLower(m.Subject + " " + m.From))
	if len(fields) > signatureTokens {
		fields = fields[:signatureTokens]
	}
	return strings.Join(fields, ",")
}

var (
	reDigits    = regexp.MustCompile(`\d+`)
	reNonWord   = regexp.MustCompile(`[^\w\s]`)
	rePrefixes  = regexp.MustCompile(`\b(?:fwd|fw|re)\b`)
	reWhitespce = regexp.MustCompile(`\s+`)
)

func normalizeSubject(s string) string {
	s = strings.ToLower(s)
	s = reDigits.ReplaceAllString(s, "")
	s = reNonWord.ReplaceAllString(s, "")
	s = rePrefixes.ReplaceAllString(s, "")
	return strings.TrimSpace(reWhitespce.ReplaceAllString(s, " "))
}

// SubjectsSimilar reports whether two subjects match after normalization:
// exact, containment, or more than half of the tokens overlapping.
func SubjectsSimilar(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	ca, cb := normalizeSubject(a), normalizeSubject(b)
	if ca == "" || cb == "" {
		return false
	}
	if ca == cb {
		return true
	}
	if strings.Contains(ca, cb) || strings.Contains(cb, ca) {
		return true
	}

	wa := map[string]bool{}
	for _, w := range strings.Fields(ca) {
		wa[w] = true
	}
	wb := map[string]bool{}
	for _, w := range strings.Fields(cb) {
		wb[w] = true
	}
	common := 0
	for w := range wa {
		if wb[w] {
			common++
		}
	}
	larger := len(wa)
	if len(wb) > larger {
		larger = len(wb)
	}
	return larger > 0 && float64(common)/float64(larger) > 0.5
}

type bodyFingerprint struct {
	hasLinks       bool
	hasUnsubscribe bool
	lineCount      int
	hasMarkup      bool
}

func fingerprint(body string) bodyFingerprint {
	return bodyFingerprint{
		hasLinks:       strings.Contains(body, "http") || strings.Contains(body, "www"),
		hasUnsubscribe: hasUnsubscribe(body),
		lineCount:      strings.Count(body, "\n") + 1,
		hasMarkup:      strings.Contains(body, "<") && strings.Contains(body, ">"),
	}
}

var unsubscribePhrases = []string{
	"unsubscribe",
	"opt-out",
	"opt out",
	"remove from",
	"désinscription",
	"désabonner",
}

func hasUnsubscribe(body string) bool {
	lower := strings.ToLower(body)
	for _, phrase := range unsubscribePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// Cosine computes cosine similarity between two equal-length vectors,
// returning 0 for mismatched or degenerate input.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(magA) * math.Sqrt(magB))
	if math.IsNaN(sim) {
		return 0
	}
	return sim
}

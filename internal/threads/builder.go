// Package threads clusters raw window messages into conversational
// threads for segment-level processing. Clustering is deterministic
// given identical input order; there is no randomness.
package threads

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/ashita-ai/youyaku/internal/model"
)

// Builder clusters messages by reply links, recency, and text similarity.
// One Builder is shared across concurrent window runs; the vector cache
// is the only mutable state and is mutex-guarded.
type Builder struct {
	timeGap       time.Duration
	similarityMin float64
	maxLen        int

	// vecCache memoizes token-frequency vectors per message text.
	vecMu    sync.Mutex
	vecCache map[string]map[string]float64
}

// New creates a Builder.
//   - timeGap: maximum gap to the candidate thread's last message
//   - similarityMin: minimum token-frequency cosine similarity
//   - maxLen: threads longer than this are split into ordered chunks
func New(timeGap time.Duration, similarityMin float64, maxLen int) *Builder {
	return &Builder{
		timeGap:       timeGap,
		similarityMin: similarityMin,
		maxLen:        maxLen,
		vecCache:      make(map[string]map[string]float64),
	}
}

// Build clusters msgs into threads. A message joins its reply target's
// thread when the target is already threaded; otherwise it joins the most
// recent thread within the time gap whose similarity clears the
// threshold; otherwise it starts a new thread.
func (b *Builder) Build(msgs []model.Message) []model.Thread {
	var threads []model.Thread
	byMessage := make(map[string]int) // message id -> thread index

	for _, m := range msgs {
		idx := -1
		if m.ReplyToID != "" {
			if ti, ok := byMessage[m.ReplyToID]; ok {
				idx = ti
			}
		}
		if idx < 0 {
			idx = b.matchRecent(threads, m)
		}
		if idx < 0 {
			threads = append(threads, model.Thread{
				ID: fmt.Sprintf("t%03d", len(threads)+1),
			})
			idx = len(threads) - 1
		}
		threads[idx].Messages = append(threads[idx].Messages, m)
		byMessage[m.ID] = idx
	}
	return threads
}

// BuildChunked builds threads and splits any thread longer than maxLen
// into ordered, non-overlapping chunks preserving message order and ids.
func (b *Builder) BuildChunked(msgs []model.Message) []model.Thread {
	built := b.Build(msgs)
	out := make([]model.Thread, 0, len(built))
	for _, t := range built {
		if len(t.Messages) <= b.maxLen {
			out = append(out, t)
			continue
		}
		for i, part := 0, 1; i < len(t.Messages); i, part = i+b.maxLen, part+1 {
			end := i + b.maxLen
			if end > len(t.Messages) {
				end = len(t.Messages)
			}
			out = append(out, model.Thread{
				ID:       fmt.Sprintf("%s.%d", t.ID, part),
				Messages: t.Messages[i:end],
			})
		}
	}
	return out
}

// matchRecent scans threads most-recent-last-message first and returns
// the first thread within the time gap whose similarity to m clears the
// threshold, or -1.
func (b *Builder) matchRecent(threads []model.Thread, m model.Message) int {
	best := -1
	var bestAt time.Time
	for i, t := range threads {
		last := t.Last()
		gap := m.SentAt.Sub(last.SentAt)
		if gap < 0 {
			gap = -gap
		}
		if gap > b.timeGap {
			continue
		}
		if b.similarity(m.Text, last.Text) < b.similarityMin {
			continue
		}
		if best < 0 || last.SentAt.After(bestAt) {
			best = i
			bestAt = last.SentAt
		}
	}
	return best
}

// similarity computes token-frequency cosine similarity of two texts.
func (b *Builder) similarity(a, c string) float64 {
	va := b.vector(a)
	vc := b.vector(c)
	if len(va) == 0 || len(vc) == 0 {
		return 0
	}

	var dot, na, nc float64
	for term, wa := range va {
		na += wa * wa
		if wc, ok := vc[term]; ok {
			dot += wa * wc
		}
	}
	for _, wc := range vc {
		nc += wc * wc
	}
	if dot == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nc))
}

// vector returns the cached token-frequency vector for text. Cached
// vectors are read-only after insertion.
func (b *Builder) vector(text string) map[string]float64 {
	b.vecMu.Lock()
	defer b.vecMu.Unlock()

	if v, ok := b.vecCache[text]; ok {
		return v
	}
	v := make(map[string]float64)
	for _, tok := range Tokenize(text) {
		v[tok]++
	}
	b.vecCache[text] = v
	return v
}

// Tokenize lowercases text and splits it on non-letter, non-digit runes.
// Single-rune tokens are dropped as noise.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) > 1 {
			out = append(out, f)
		}
	}
	return out
}

package memory

import (
	"context"
	"database/sql"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/KafClaw/clawcore/internal/store"
)

// Ranking constants.
const (
	scoreBoost       = 0.2
	recencyDecay     = 0.01
	candidateFactor  = 3
	defaultQueryHits = 5
)

// Result is a ranked query hit.
type Result struct {
	Memory
	Relevance float64 `json:"relevance"`
	FinalRank float64 `json:"final_rank"`
	Rank      int     `json:"rank"`
}

var urlPattern = regexp.MustCompile(`(?i)\b(?:https?|ftp)://\S+|\bwww\.\S+`)

// Query returns up to limit memories relevant to text. A failing full-text
// match yields an empty result, not an error.
func (s *Service) Query(ctx context.Context, text string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = defaultQueryHits
	}
	match := BuildMatchQuery(text, s.synonyms)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT m.id, m.content, COALESCE(m.source,''), COALESCE(m.tags,''), m.score, m.created_at, m.last_hit_at, COALESCE(m.session_id,''), bm25(memories_fts)
		FROM memories_fts JOIN memories m ON m.id = memories_fts.rowid
		WHERE memories_fts MATCH ?
		ORDER BY bm25(memories_fts) LIMIT ?`, match, limit*candidateFactor)
	if err != nil {
		slog.Debug("Memory full-text query failed", "match", match, "error", err)
		return nil, nil
	}
	defer rows.Close()

	now := s.now()
	var results []Result
	for rows.Next() {
		var r Result
		var bm25 float64
		var created int64
		var tags string
		var lastHit sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Content, &r.Source, &tags, &r.Score, &created, &lastHit, &r.SessionID, &bm25); err != nil {
			slog.Debug("Memory full-text scan failed", "error", err)
			return nil, nil
		}
		r.Tags = splitTags(tags)
		r.CreatedAt = store.FromMillis(created)
		r.LastHitAt = store.NullableMillis(lastHit)
		r.Relevance = -bm25
		r.FinalRank = FinalRank(r.Relevance, r.Score, r.recencyRef(), now)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		slog.Debug("Memory full-text iteration failed", "error", err)
		return nil, nil
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].FinalRank > results[j].FinalRank })
	if len(results) > limit {
		results = results[:limit]
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	return results, nil
}

func (m Memory) recencyRef() time.Time {
	if m.LastHitAt != nil {
		return *m.LastHitAt
	}
	return m.CreatedAt
}

// FinalRank combines full-text relevance, reinforcement score and age:
// relevance * e^(0.2*score) / (1 + days*0.01).
func FinalRank(relevance float64, score int, recencyRef, now time.Time) float64 {
	days := now.Sub(recencyRef).Hours() / 24
	if days < 0 {
		days = 0
	}
	return relevance * math.Exp(scoreBoost*float64(score)) / (1 + days*recencyDecay)
}

// Tokenize strips URLs and punctuation and returns the distinct lowercase
// words of text longer than one character.
func Tokenize(text string) []string {
	text = urlPattern.ReplaceAllString(text, " ")
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)

	seen := map[string]bool{}
	var tokens []string
	for _, tok := range strings.Fields(cleaned) {
		if len([]rune(tok)) <= 1 || seen[tok] {
			continue
		}
		seen[tok] = true
		tokens = append(tokens, tok)
	}
	return tokens
}

// BuildMatchQuery turns free text into an FTS5 MATCH expression. Every token
// becomes a quoted literal or a parenthesised OR-group of its synonyms, and
// groups are joined with OR.
func BuildMatchQuery(text string, synonyms Synonyms) string {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return ""
	}
	groups := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		alts := synonyms.Expand(tok)
		if len(alts) == 1 {
			groups = append(groups, quote(alts[0]))
			continue
		}
		quoted := make([]string, len(alts))
		for i, a := range alts {
			quoted[i] = quote(a)
		}
		groups = append(groups, "("+strings.Join(quoted, " OR ")+")")
	}
	return strings.Join(groups, " OR ")
}

func quote(term string) string {
	return `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
}

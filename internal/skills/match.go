package skills

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

// Match is a matched skill and its priority score: the rune length of its
// longest matching trigger.
type Match struct {
	Skill   Skill  `json:"skill"`
	Score   int    `json:"score"`
	Trigger string `json:"trigger"`
}

// MatchSkills returns every skill with at least one trigger matching text as
// a whole word, case-insensitively.
func (l *Library) MatchSkills(ctx context.Context, text string) ([]Skill, error) {
	matches, err := l.match(ctx, text)
	if err != nil {
		return nil, err
	}
	out := make([]Skill, len(matches))
	for i, m := range matches {
		out[i] = m.Skill
	}
	return out, nil
}

// MatchBudgeted returns at most the per-turn cap of matches, longest trigger
// first. Dropped matches are logged.
func (l *Library) MatchBudgeted(ctx context.Context, text string) ([]Match, error) {
	matches, err := l.match(ctx, text)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > l.maxPerTurn {
		dropped := make([]string, 0, len(matches)-l.maxPerTurn)
		for _, m := range matches[l.maxPerTurn:] {
			dropped = append(dropped, m.Skill.Name)
		}
		slog.Info("Skill budget exceeded", "cap", l.maxPerTurn, "dropped", strings.Join(dropped, ","))
		matches = matches[:l.maxPerTurn]
	}
	return matches, nil
}

func (l *Library) match(ctx context.Context, text string) ([]Match, error) {
	all, err := l.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Match
	for _, s := range all {
		best := ""
		for _, trig := range s.Triggers {
			if !l.triggerMatches(trig, text) {
				continue
			}
			if len([]rune(trig)) > len([]rune(best)) {
				best = trig
			}
		}
		if best != "" {
			out = append(out, Match{Skill: s, Score: len([]rune(best)), Trigger: best})
		}
	}
	return out, nil
}

func (l *Library) triggerMatches(trigger, text string) bool {
	trigger = strings.TrimSpace(trigger)
	if trigger == "" {
		return false
	}
	re, ok := l.patterns.Get(trigger)
	if !ok {
		var err error
		re, err = compileTrigger(trigger)
		if err != nil {
			slog.Warn("Bad skill trigger", "trigger", trigger, "error", err)
			return false
		}
		l.patterns.Add(trigger, re)
	}
	return re.MatchString(text)
}

// compileTrigger builds a case-insensitive whole-word pattern. Word
// characters are Unicode letters, digits and underscore, so triggers that
// end in punctuation such as "c++" still match.
func compileTrigger(trigger string) (*regexp.Regexp, error) {
	return regexp.Compile(`(?i)(?:^|[^\p{L}\p{N}_])` + regexp.QuoteMeta(trigger) + `(?:$|[^\p{L}\p{N}_])`)
}

package skills

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Errors returned by the library.
var (
	ErrValidation = errors.New("skill validation failed")
	ErrReadOnly   = errors.New("skill is file-managed and read-only")
	ErrNotFound   = errors.New("skill not found")
)

// blockedPhrases are prompt-injection markers rejected in skill text.
// Matching is case-insensitive and English-only.
var blockedPhrases = []string{
	"ignore previous instructions",
	"you are now",
	"forget your rules",
	"system prompt",
	"override",
	"disregard",
	"new instructions",
}

// bannedTriggers would fire on nearly every message.
var bannedTriggers = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"be": true, "to": true, "of": true, "and": true, "or": true, "in": true,
	"on": true, "at": true, "it": true, "this": true, "that": true, "for": true,
	"with": true, "as": true, "by": true, "i": true, "you": true, "me": true,
	"my": true, "we": true, "do": true, "can": true, "what": true, "how": true,
	"hi": true, "hello": true, "ok": true, "yes": true, "no": true, "please": true,
}

var skillNameExpr = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

// Validator checks skill content before it is stored.
type Validator struct {
	phrases []string
}

// NewValidator returns a validator with the built-in phrase list plus extra.
func NewValidator(extra []string) *Validator {
	phrases := append([]string{}, blockedPhrases...)
	for _, p := range extra {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			phrases = append(phrases, p)
		}
	}
	return &Validator{phrases: phrases}
}

// Validate returns an ErrValidation-wrapped error naming the first problem.
func (v *Validator) Validate(s Skill) error {
	if !skillNameExpr.MatchString(s.Name) {
		return fmt.Errorf("%w: invalid name %q (lowercase letters, digits, '-', '_' or '.')", ErrValidation, s.Name)
	}
	if strings.TrimSpace(s.Description) == "" {
		return fmt.Errorf("%w: description is required", ErrValidation)
	}
	if strings.TrimSpace(s.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	if phrase := v.blockedPhrase(s.Description); phrase != "" {
		return fmt.Errorf("%w: description contains blocked phrase %q", ErrValidation, phrase)
	}
	if phrase := v.blockedPhrase(s.Content); phrase != "" {
		return fmt.Errorf("%w: content contains blocked phrase %q", ErrValidation, phrase)
	}
	for _, trig := range s.Triggers {
		if err := validateTrigger(trig); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) blockedPhrase(text string) string {
	lower := strings.ToLower(text)
	for _, p := range v.phrases {
		if strings.Contains(lower, p) {
			return p
		}
	}
	return ""
}

func validateTrigger(trig string) error {
	t := strings.ToLower(strings.TrimSpace(trig))
	if len([]rune(t)) <= 1 {
		return fmt.Errorf("%w: trigger %q is too short", ErrValidation, trig)
	}
	if bannedTriggers[t] {
		return fmt.Errorf("%w: trigger %q is a banned common word", ErrValidation, trig)
	}
	return nil
}

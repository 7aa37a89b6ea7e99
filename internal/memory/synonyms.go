package memory

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Synonyms maps a lowercase word to its alternatives. Expansion is
// symmetric: every member of a group maps to every other member.
type Synonyms map[string][]string

// defaultGroups is an English-only table.
var defaultGroups = [][]string{
	{"bug", "issue", "defect"},
	{"error", "failure", "exception"},
	{"fix", "repair", "patch"},
	{"deploy", "release", "ship"},
	{"config", "configuration", "settings"},
	{"doc", "docs", "documentation"},
	{"meeting", "call", "sync"},
	{"customer", "client", "user"},
	{"car", "automobile", "vehicle"},
	{"buy", "purchase"},
	{"like", "prefer", "enjoy"},
	{"job", "task", "chore"},
	{"phone", "mobile", "cell"},
	{"email", "mail"},
	{"birthday", "bday"},
	{"repo", "repository"},
	{"db", "database"},
	{"kid", "child"},
}

// DefaultSynonyms returns the built-in table.
func DefaultSynonyms() Synonyms {
	s := Synonyms{}
	for _, g := range defaultGroups {
		s.AddGroup(g...)
	}
	return s
}

// AddGroup links every word of the group to the others.
func (s Synonyms) AddGroup(words ...string) {
	var clean []string
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			clean = append(clean, w)
		}
	}
	for _, w := range clean {
		for _, other := range clean {
			if other != w && !contains(s[w], other) {
				s[w] = append(s[w], other)
			}
		}
	}
}

// Expand returns the token followed by its synonyms.
func (s Synonyms) Expand(token string) []string {
	alts := s[token]
	out := make([]string, 0, len(alts)+1)
	out = append(out, token)
	return append(out, alts...)
}

type synonymFile struct {
	Groups [][]string `yaml:"groups"`
}

// LoadSynonyms returns the built-in table extended with the groups of a YAML
// file of the form:
//
//	groups:
//	  - [invoice, bill, receipt]
//
// An empty path returns the built-in table.
func LoadSynonyms(path string) (Synonyms, error) {
	syn := DefaultSynonyms()
	if path == "" {
		return syn, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read synonyms: %w", err)
	}
	var f synonymFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse synonyms %s: %w", path, err)
	}
	for _, g := range f.Groups {
		syn.AddGroup(g...)
	}
	return syn, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

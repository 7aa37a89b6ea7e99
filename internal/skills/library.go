// Package skills is the trigger-matched library of instructional snippets.
// File skills are human-managed and read-only; DB skills are created and
// edited by the agent and may never shadow a file skill.
package skills

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"github.com/KafClaw/clawcore/internal/store"
)

// Skill sources.
const (
	SourceFile = "file"
	SourceDB   = "db"
)

// Skill is a named instructional snippet.
type Skill struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Triggers    []string  `json:"triggers,omitempty"`
	Tools       []string  `json:"tools,omitempty"`
	Content     string    `json:"content"`
	Source      string    `json:"source"`
	Path        string    `json:"path,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Config configures a Library.
type Config struct {
	Dir                 string
	MaxPerTurn          int
	ExtraBlockedPhrases []string
	PatternCacheSize    int
}

// Library serves file and DB skills.
type Library struct {
	db         *sql.DB
	dir        string
	maxPerTurn int
	validator  *Validator
	patterns   *lru.Cache[string, *regexp.Regexp]

	mu    sync.RWMutex
	files map[string]Skill
}

// NewLibrary opens the library and loads file skills from cfg.Dir.
func NewLibrary(st *store.Store, cfg Config) (*Library, error) {
	if cfg.MaxPerTurn <= 0 {
		cfg.MaxPerTurn = 3
	}
	if cfg.PatternCacheSize <= 0 {
		cfg.PatternCacheSize = 512
	}
	cache, err := lru.New[string, *regexp.Regexp](cfg.PatternCacheSize)
	if err != nil {
		return nil, fmt.Errorf("trigger cache: %w", err)
	}
	l := &Library{
		db:         st.DB(),
		dir:        cfg.Dir,
		maxPerTurn: cfg.MaxPerTurn,
		validator:  NewValidator(cfg.ExtraBlockedPhrases),
		patterns:   cache,
		files:      map[string]Skill{},
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Dir returns the file skill directory.
func (l *Library) Dir() string { return l.dir }

// Reload rescans the skill directory. Both <dir>/*.md and <dir>/*/SKILL.md
// are read. A missing directory yields no file skills.
func (l *Library) Reload() error {
	files := map[string]Skill{}
	if l.dir != "" {
		entries, err := os.ReadDir(l.dir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read skills dir: %w", err)
		}
		for _, e := range entries {
			path := filepath.Join(l.dir, e.Name())
			fallback := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
			if e.IsDir() {
				path = filepath.Join(path, "SKILL.md")
				fallback = e.Name()
			} else if filepath.Ext(e.Name()) != ".md" {
				continue
			}
			s, err := parseSkillFile(path, fallback)
			if err != nil {
				if !os.IsNotExist(err) {
					slog.Warn("Skipping skill file", "path", path, "error", err)
				}
				continue
			}
			files[s.Name] = s
		}
	}
	l.mu.Lock()
	l.files = files
	l.mu.Unlock()
	slog.Debug("Skill files loaded", "dir", l.dir, "count", len(files))
	return nil
}

type skillFrontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Triggers    []string `yaml:"triggers"`
	Tools       []string `yaml:"tools"`
}

func parseSkillFile(path, fallbackName string) (Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, err
	}
	info, _ := os.Stat(path)
	fm, body, err := splitFrontmatter(string(data))
	if err != nil {
		return Skill{}, err
	}
	s := Skill{
		Name:        strings.ToLower(strings.TrimSpace(fm.Name)),
		Description: strings.TrimSpace(fm.Description),
		Tools:       fm.Tools,
		Content:     strings.TrimSpace(body),
		Source:      SourceFile,
		Path:        path,
	}
	if s.Name == "" {
		s.Name = strings.ToLower(fallbackName)
	}
	for _, trig := range fm.Triggers {
		if err := validateTrigger(trig); err != nil {
			slog.Warn("Ignoring skill trigger", "skill", s.Name, "error", err)
			continue
		}
		s.Triggers = append(s.Triggers, trig)
	}
	if info != nil {
		s.CreatedAt = info.ModTime()
		s.UpdatedAt = info.ModTime()
	}
	return s, nil
}

func splitFrontmatter(text string) (skillFrontmatter, string, error) {
	var fm skillFrontmatter
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if !strings.HasPrefix(text, "---\n") {
		return fm, text, nil
	}
	end := strings.Index(text[4:], "\n---")
	if end < 0 {
		return fm, "", fmt.Errorf("unterminated frontmatter")
	}
	if err := yaml.Unmarshal([]byte(text[4:4+end]), &fm); err != nil {
		return fm, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	body := text[4+end+4:]
	return fm, strings.TrimPrefix(body, "\n"), nil
}

func (l *Library) fileSkill(name string) (Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.files[name]
	return s, ok
}

// List returns file skills and DB skills, sorted by name. A DB row whose
// name collides with a file skill is hidden.
func (l *Library) List(ctx context.Context) ([]Skill, error) {
	dbSkills, err := l.listDB(ctx)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	out := make([]Skill, 0, len(l.files)+len(dbSkills))
	for _, s := range l.files {
		out = append(out, s)
	}
	for _, s := range dbSkills {
		if _, shadowed := l.files[s.Name]; !shadowed {
			out = append(out, s)
		}
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns a skill by name, file skills first.
func (l *Library) Get(ctx context.Context, name string) (*Skill, error) {
	if s, ok := l.fileSkill(name); ok {
		return &s, nil
	}
	row := l.db.QueryRowContext(ctx, `SELECT name, description, triggers, tools, content, created_at, updated_at FROM skills WHERE name = ?`, name)
	s, err := scanSkill(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Create validates and inserts a DB skill.
func (l *Library) Create(ctx context.Context, s Skill) error {
	s.Name = strings.ToLower(strings.TrimSpace(s.Name))
	if _, ok := l.fileSkill(s.Name); ok {
		return fmt.Errorf("%w: %s", ErrReadOnly, s.Name)
	}
	if err := l.validator.Validate(s); err != nil {
		return err
	}
	triggers, tools := encodeList(s.Triggers), encodeList(s.Tools)
	now := store.Millis(time.Now())
	res, err := l.db.ExecContext(ctx, `INSERT OR IGNORE INTO skills (name, description, triggers, tools, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, s.Name, s.Description, triggers, tools, s.Content, now, now)
	if err != nil {
		return fmt.Errorf("create skill %s: %w", s.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: skill %q already exists", ErrValidation, s.Name)
	}
	slog.Info("Skill created", "name", s.Name, "triggers", len(s.Triggers))
	return nil
}

// Update validates and replaces a DB skill.
func (l *Library) Update(ctx context.Context, s Skill) error {
	s.Name = strings.ToLower(strings.TrimSpace(s.Name))
	if _, ok := l.fileSkill(s.Name); ok {
		return fmt.Errorf("%w: %s", ErrReadOnly, s.Name)
	}
	if err := l.validator.Validate(s); err != nil {
		return err
	}
	res, err := l.db.ExecContext(ctx, `UPDATE skills SET description = ?, triggers = ?, tools = ?, content = ?, updated_at = ? WHERE name = ?`,
		s.Description, encodeList(s.Triggers), encodeList(s.Tools), s.Content, store.Millis(time.Now()), s.Name)
	if err != nil {
		return fmt.Errorf("update skill %s: %w", s.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, s.Name)
	}
	return nil
}

// Delete removes a DB skill.
func (l *Library) Delete(ctx context.Context, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if _, ok := l.fileSkill(name); ok {
		return fmt.Errorf("%w: %s", ErrReadOnly, name)
	}
	res, err := l.db.ExecContext(ctx, `DELETE FROM skills WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete skill %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

func (l *Library) listDB(ctx context.Context) ([]Skill, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT name, description, triggers, tools, content, created_at, updated_at FROM skills ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	defer rows.Close()
	var out []Skill
	for rows.Next() {
		s, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSkill(r rowScanner) (*Skill, error) {
	var s Skill
	var triggers, tools string
	var created, updated int64
	if err := r.Scan(&s.Name, &s.Description, &triggers, &tools, &s.Content, &created, &updated); err != nil {
		return nil, err
	}
	s.Triggers = decodeList(triggers)
	s.Tools = decodeList(tools)
	s.Source = SourceDB
	s.CreatedAt = store.FromMillis(created)
	s.UpdatedAt = store.FromMillis(updated)
	return &s, nil
}

func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func decodeList(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		slog.Warn("Malformed skill list column", "value", s, "error", err)
		return nil
	}
	return out
}

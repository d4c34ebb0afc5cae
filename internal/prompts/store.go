// Package prompts stores the prompt scenes used to render the text shown on
// the feedback page.
package prompts

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"gopkg.in/yaml.v3"
)

// Placeholder is replaced by the agent's work summary when rendering.
const Placeholder = "{{work_summary}}"

// Prompt is one scene template.
type Prompt struct {
	ID        string    `yaml:"id" json:"id"`
	Name      string    `yaml:"name" json:"name"`
	Template  string    `yaml:"template" json:"template"`
	IsDefault bool      `yaml:"default" json:"is_default"`
	CreatedAt time.Time `yaml:"-" json:"created_at"`
}

// seedFile is the YAML layout accepted by LoadFile.
type seedFile struct {
	Prompts []Prompt `yaml:"prompts"`
}

// SQLiteStore implements the prompt store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dsn, migrates it and seeds the built-in default prompt.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := store.seedDefault(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed prompts: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS prompts (
			prompt_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			template TEXT NOT NULL,
			is_default INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_prompts_default ON prompts(is_default)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) seedDefault() error {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM prompts`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return s.Upsert(context.Background(), &Prompt{
		ID:        "default",
		Name:      "Default",
		Template:  Placeholder,
		IsDefault: true,
	})
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LoadFile upserts every prompt listed in a YAML seed file.
func (s *SQLiteStore) LoadFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read prompt file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("parse prompt file: %w", err)
	}
	for i := range seed.Prompts {
		if err := s.Upsert(ctx, &seed.Prompts[i]); err != nil {
			return i, err
		}
	}
	return len(seed.Prompts), nil
}

// Upsert inserts or replaces a prompt. Marking it default clears the flag
// on every other prompt.
func (s *SQLiteStore) Upsert(ctx context.Context, p *Prompt) error {
	if p.ID == "" || p.Template == "" {
		return fmt.Errorf("prompt id and template are required")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if p.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE prompts SET is_default = 0`); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO prompts (prompt_id, name, template, is_default, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(prompt_id) DO UPDATE SET name = excluded.name, template = excluded.template, is_default = excluded.is_default`,
		p.ID, p.Name, p.Template, p.IsDefault, p.CreatedAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Get retrieves a prompt by ID. It returns nil, nil when absent.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Prompt, error) {
	return s.queryOne(ctx, `SELECT prompt_id, name, template, is_default, created_at FROM prompts WHERE prompt_id = ?`, id)
}

// Default returns the default prompt, or nil if none is flagged.
func (s *SQLiteStore) Default(ctx context.Context) (*Prompt, error) {
	return s.queryOne(ctx, `SELECT prompt_id, name, template, is_default, created_at FROM prompts WHERE is_default = 1 LIMIT 1`)
}

// List returns all prompts ordered by creation time.
func (s *SQLiteStore) List(ctx context.Context) ([]*Prompt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT prompt_id, name, template, is_default, created_at FROM prompts ORDER BY created_at, prompt_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Prompt
	for rows.Next() {
		var p Prompt
		if err := rows.Scan(&p.ID, &p.Name, &p.Template, &p.IsDefault, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Render fills the default prompt with the work summary. Without a default
// prompt the summary is returned unchanged.
func (s *SQLiteStore) Render(ctx context.Context, workSummary string) (string, error) {
	p, err := s.Default(ctx)
	if err != nil {
		return workSummary, err
	}
	if p == nil {
		return workSummary, nil
	}
	return p.Render(workSummary), nil
}

// Render substitutes the work summary into the template. A template without
// the placeholder gets the summary appended.
func (p *Prompt) Render(workSummary string) string {
	if !strings.Contains(p.Template, Placeholder) {
		return p.Template + "\n\n" + workSummary
	}
	return strings.ReplaceAll(p.Template, Placeholder, workSummary)
}

func (s *SQLiteStore) queryOne(ctx context.Context, query string, args ...interface{}) (*Prompt, error) {
	var p Prompt
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&p.ID, &p.Name, &p.Template, &p.IsDefault, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

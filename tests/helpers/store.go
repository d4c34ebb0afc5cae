package helpers

import (
	"testing"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/prompts"
)

func NewTestPromptStore(t *testing.T) *prompts.SQLiteStore {
	t.Helper()

	s, err := prompts.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create prompt store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

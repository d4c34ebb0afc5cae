package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowSubmit(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	require.NoError(t, err)

	tests := []struct {
		name string
		in   SubmitInput
		want bool
	}{
		{"matching owner", SubmitInput{SessionOwner: "p1", Bound: "p1"}, true},
		{"different owner", SubmitInput{SessionOwner: "p1", Bound: "p2"}, false},
		{"unbound socket", SubmitInput{SessionOwner: "p1", Bound: ""}, false},
		{"legacy session", SubmitInput{SessionOwner: "", Bound: ""}, true},
		{"legacy session bound socket", SubmitInput{SessionOwner: "", Bound: "p9"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.AllowSubmit(ctx, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAssignment(t *testing.T) {
	ctx := context.Background()
	engine := MustNewEngine()

	tests := []struct {
		name string
		in   AssignInput
		want string
	}{
		{"owned wins", AssignInput{OwnedAvailable: true, AnyAvailable: true, Fallback: "closed"}, AssignOwned},
		{"latest fallback", AssignInput{AnyAvailable: true, Fallback: "latest"}, AssignLatest},
		{"fail closed", AssignInput{AnyAvailable: true, Fallback: "closed"}, AssignNone},
		{"nothing active", AssignInput{Fallback: "latest"}, AssignNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Assignment(ctx, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewEngineRejectsBadPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package feedback\nsubmit_allowed {")
	assert.Error(t, err)
}

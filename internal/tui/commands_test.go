package tui

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		selected string
		want     command
		wantErr  string
	}{
		{
			name:     "assign to selected agent",
			input:    "assign fix the login bug",
			selected: "alice",
			want:     command{Name: "assign", Agent: "alice", Text: "fix the login bug"},
		},
		{
			name:     "explicit agent and files",
			input:    "/assign @bob refactor auth -- auth.go auth_test.go",
			selected: "alice",
			want:     command{Name: "assign", Agent: "bob", Text: "refactor auth", Files: []string{"auth.go", "auth_test.go"}},
		},
		{
			name:    "assign without description",
			input:   "assign @bob",
			wantErr: "usage: assign",
		},
		{
			name:    "stop with nobody selected",
			input:   "stop",
			wantErr: errNoAgent.Error(),
		},
		{
			name:     "stop explicit",
			input:    "stop @carol",
			selected: "alice",
			want:     command{Name: "stop", Agent: "carol"},
		},
		{
			name:  "hire with role",
			input: "hire dave backend engineer",
			want:  command{Name: "hire", Agent: "dave", Text: "backend engineer"},
		},
		{
			name:  "approve",
			input: "approve 1a2b3c",
			want:  command{Name: "approve", Text: "1a2b3c"},
		},
		{
			name:    "deny without id",
			input:   "deny",
			wantErr: "usage: deny",
		},
		{
			name:  "check ignores selection",
			input: "check",
			want:  command{Name: "check"},
		},
		{
			name:    "unknown",
			input:   "dance",
			wantErr: `unknown command "dance"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCommand(tt.input, tt.selected)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

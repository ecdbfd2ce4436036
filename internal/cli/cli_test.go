package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandWiring(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "maestro", cmd.Use)

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Contains(t, names, "run")
	assert.Contains(t, names, "validate")
}

func TestValidateCommandPrintsWaveSchedule(t *testing.T) {
	plan := `name: demo
tasks:
  - id: a
  - id: b
    depends_on: [a]
`
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(plan), 0644))

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"validate", path})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), `Plan "demo": 2 tasks in 2 waves`)
	assert.Contains(t, out.String(), "Wave 1: a")
	assert.Contains(t, out.String(), "Wave 2: b")
}

func TestValidateCommandRejectsCyclicPlan(t *testing.T) {
	plan := `tasks:
  - id: a
    depends_on: [b]
  - id: b
    depends_on: [a]
`
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(plan), 0644))

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate", path})

	assert.Error(t, cmd.Execute())
}

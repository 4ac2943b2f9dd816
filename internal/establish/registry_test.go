package establish

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDefaults(t *testing.T) {
	t.Parallel()

	r, registryErr := NewRegistry(nil)
	require.NoError(t, registryErr)
	assert.Equal(t, []string{"dotnet", "go", "java", "lldb", "node", "python"}, r.Kinds())

	chain, chainErr := r.Chain("python")
	require.NoError(t, chainErr)
	require.Len(t, chain, 2)
	assert.Equal(t, []string{"python3", "-m", "debugpy.adapter"}, chain[0].Command)
	assert.Equal(t, []string{"python", "-m", "debugpy.adapter"}, chain[1].Command)

	kind, ok := r.Resolve(" Delve ")
	assert.True(t, ok)
	assert.Equal(t, "go", kind)
}

func TestRegistryOverrides(t *testing.T) {
	t.Parallel()

	r, registryErr := NewRegistry(map[string][]Candidate{
		"node": {{Mode: ModeTCPAttach, Address: "127.0.0.1:9229"}},
	})
	require.NoError(t, registryErr)

	chain, chainErr := r.Chain("node")
	require.NoError(t, chainErr)
	require.Len(t, chain, 1)
	assert.Equal(t, "node-1", chain[0].Name)

	goChain, _ := r.Chain("go")
	assert.Equal(t, "dlv", goChain[0].Name, "kinds without overrides keep their defaults")

	chain[0].Address = "mutated"
	again, _ := r.Chain("node")
	assert.Equal(t, "127.0.0.1:9229", again[0].Address, "callers get a copy")
}

func TestRegistryRejectsInvalidCandidates(t *testing.T) {
	t.Parallel()

	_, registryErr := NewRegistry(map[string][]Candidate{"go": {{Name: "bad", Mode: ModeStdio}}})
	assert.ErrorContains(t, registryErr, "needs a command")

	_, registryErr = NewRegistry(map[string][]Candidate{"go": {{Name: "bad", Mode: "pigeon", Command: []string{"x"}}}})
	assert.ErrorContains(t, registryErr, "unknown mode")
}

func TestSubstitutePort(t *testing.T) {
	t.Parallel()

	args := substitutePort([]string{"dlv", "dap", "--listen", "127.0.0.1:" + PortPlaceholder}, 40123)
	assert.Equal(t, []string{"dlv", "dap", "--listen", "127.0.0.1:40123"}, args)
}

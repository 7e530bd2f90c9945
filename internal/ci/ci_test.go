package ci

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func clearAllProviderVars(t *testing.T) {
	t.Helper()
	for _, c := range providers {
		prev, had := os.LookupEnv(c.name)
		name := c.name
		_ = os.Unsetenv(name)
		if had {
			t.Cleanup(func() { _ = os.Setenv(name, prev) })
		}
	}
}

func TestIsCIFalseOutsideCI(t *testing.T) {
	clearAllProviderVars(t)
	assert.False(t, IsCI())
}

func TestIsCIGenericVar(t *testing.T) {
	clearAllProviderVars(t)
	t.Setenv("CI", "true")
	assert.True(t, IsCI())
}

func TestIsCIGenericVarFalsyValueIsNotCI(t *testing.T) {
	clearAllProviderVars(t)
	t.Setenv("CI", "false")
	assert.False(t, IsCI())
}

func TestIsCIPresentVariant(t *testing.T) {
	clearAllProviderVars(t)
	t.Setenv("JENKINS_URL", "http://jenkins.example/")
	assert.True(t, IsCI())
}

func TestIsCIEqualsVariant(t *testing.T) {
	clearAllProviderVars(t)
	t.Setenv("CI_NAME", "codeship")
	assert.True(t, IsCI())

	clearAllProviderVars(t)
	t.Setenv("CI_NAME", "something-else")
	assert.False(t, IsCI())
}

func TestIsCIGitHubActions(t *testing.T) {
	clearAllProviderVars(t)
	t.Setenv("GITHUB_ACTIONS", "true")
	assert.True(t, IsCI())
}

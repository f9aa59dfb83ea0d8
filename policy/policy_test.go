package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foundrygate/gateway/config"
)

func buildConfig() *config.GlobalConfig {
	return &config.GlobalConfig{
		Policies: []config.RoutePolicy{
			{ID: "api", Priority: 10, PathPattern: "/api/**", Enabled: true, BackendIDs: []string{"api-backend"}},
			{ID: "api-admin", Priority: 20, PathPattern: "/api/admin/*", Enabled: true, BackendIDs: []string{"admin-backend"}},
			{ID: "disabled", Priority: 100, PathPattern: "/**", Enabled: false, BackendIDs: []string{"never"}},
			{ID: "post-only", Priority: 5, PathPattern: "/submit", Methods: []string{"POST"}, Enabled: true, BackendIDs: []string{"submit-backend"}},
		},
	}
}

func TestMatchHigherPriorityWinsOnOverlap(t *testing.T) {
	m, err := New(buildConfig())
	require.NoError(t, err)

	p, ok := m.Match("/api/admin/users", "GET")
	require.True(t, ok)
	require.Equal(t, "api-admin", p.ID, "expected api-admin to win over api by priority")
}

func TestMatchGlobDoubleStarCrossesSlash(t *testing.T) {
	m, err := New(buildConfig())
	require.NoError(t, err)

	p, ok := m.Match("/api/v2/foo/bar", "GET")
	require.True(t, ok)
	require.Equal(t, "api", p.ID, "expected /api/** to match a nested path")
}

func TestMatchDisabledPolicyNeverMatches(t *testing.T) {
	m, err := New(buildConfig())
	require.NoError(t, err)

	_, ok := m.Match("/anything/else", "GET")
	require.False(t, ok, "only enabled policies should participate in matching")
}

func TestMatchMethodFilter(t *testing.T) {
	m, err := New(buildConfig())
	require.NoError(t, err)

	_, ok := m.Match("/submit", "GET")
	require.False(t, ok, "GET should not match a POST-only policy")

	p, ok := m.Match("/submit", "POST")
	require.True(t, ok)
	require.Equal(t, "post-only", p.ID)
}

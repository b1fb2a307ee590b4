package mesh

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluxgate/fabric/pkg/types"
)

func TestPolicyEvaluatePriorityOrder(t *testing.T) {
	pt := newPolicyTable()
	pt.add(types.TrafficPolicy{
		Name: "low", Priority: 1, ServiceSelector: "checkout",
		Rules: []types.TrafficRule{{
			Match:       types.RuleMatch{Path: "/pay", PathKind: types.MatchPrefix},
			Destination: types.RouteDestination{ServiceName: "checkout-v1"},
		}},
	})
	pt.add(types.TrafficPolicy{
		Name: "high", Priority: 10, ServiceSelector: "checkout",
		Rules: []types.TrafficRule{{
			Match:       types.RuleMatch{Path: "/pay", PathKind: types.MatchPrefix},
			Destination: types.RouteDestination{ServiceName: "checkout-v2"},
		}},
	})

	dest, ok := pt.evaluate("checkout", &types.CallRequest{Path: "/pay/submit"})
	require.True(t, ok)
	require.Equal(t, "checkout-v2", dest.ServiceName)
}

func TestPolicyEvaluateNoMatchFallsThrough(t *testing.T) {
	pt := newPolicyTable()
	pt.add(types.TrafficPolicy{
		Name: "only", Priority: 1, ServiceSelector: "checkout",
		Rules: []types.TrafficRule{{
			Match:       types.RuleMatch{Path: "/pay", PathKind: types.MatchExact},
			Destination: types.RouteDestination{ServiceName: "checkout-v2"},
		}},
	})

	_, ok := pt.evaluate("checkout", &types.CallRequest{Path: "/other"})
	require.False(t, ok)
}

func TestPolicyMatchConjunction(t *testing.T) {
	m := types.RuleMatch{
		Path:     "/admin",
		PathKind: types.MatchPrefix,
		Methods:  []string{"POST", "PUT"},
		Headers:  map[string]string{"X-Tenant": "acme"},
	}

	ok := matches(m, &types.CallRequest{
		Path: "/admin/users", Method: "post",
		Headers: map[string]string{"X-Tenant": "acme"},
	})
	require.True(t, ok)

	ok = matches(m, &types.CallRequest{
		Path: "/admin/users", Method: "get",
		Headers: map[string]string{"X-Tenant": "acme"},
	})
	require.False(t, ok, "method not in set should fail the conjunction")

	ok = matches(m, &types.CallRequest{
		Path: "/admin/users", Method: "post",
		Headers: map[string]string{"X-Tenant": "other"},
	})
	require.False(t, ok, "mismatched header should fail the conjunction")
}

func TestPolicyRemove(t *testing.T) {
	pt := newPolicyTable()
	pt.add(types.TrafficPolicy{Name: "gone", Priority: 5, ServiceSelector: "svc"})
	pt.remove("gone")

	_, ok := pt.evaluate("svc", &types.CallRequest{Path: "/x"})
	require.False(t, ok)
}

func TestApplyHeaderRewrites(t *testing.T) {
	out := applyHeaderRewrites(
		map[string]string{"X-Original": "1"},
		map[string]string{"X-Original": "2", "X-Added": "3"},
	)
	require.Equal(t, "2", out["X-Original"])
	require.Equal(t, "3", out["X-Added"])
}

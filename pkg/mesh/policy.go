package mesh

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fluxgate/fabric/pkg/types"
)

// policyTable holds the active TrafficPolicy set, evaluated in priority
// order per §4.2.1: policies whose service_selector matches are scanned
// from highest priority down, each rule list in declaration order, and the
// first matching rule's destination wins.
type policyTable struct {
	mu       sync.RWMutex
	policies []types.TrafficPolicy
}

func newPolicyTable() *policyTable {
	return &policyTable{}
}

func (p *policyTable) add(policy types.TrafficPolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.policies {
		if existing.Name == policy.Name {
			p.policies[i] = policy
			p.sortLocked()
			return
		}
	}
	p.policies = append(p.policies, policy)
	p.sortLocked()
}

func (p *policyTable) remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.policies {
		if existing.Name == name {
			p.policies = append(p.policies[:i], p.policies[i+1:]...)
			return
		}
	}
}

func (p *policyTable) sortLocked() {
	sort.SliceStable(p.policies, func(i, j int) bool { return p.policies[i].Priority > p.policies[j].Priority })
}

// evaluate returns the first matching rule's destination across policies
// in priority order, or ok=false if nothing matches (the default selection
// then applies unchanged).
func (p *policyTable) evaluate(serviceName string, req *types.CallRequest) (types.RouteDestination, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, policy := range p.policies {
		if policy.ServiceSelector != "" && policy.ServiceSelector != serviceName {
			continue
		}
		for _, rule := range policy.Rules {
			if matches(rule.Match, req) {
				return rule.Destination, true
			}
		}
	}
	return types.RouteDestination{}, false
}

func matches(m types.RuleMatch, req *types.CallRequest) bool {
	for k, v := range m.Headers {
		if req.Headers[k] != v {
			return false
		}
	}

	if m.Path != "" && !matchPath(m.PathKind, m.Path, req.Path) {
		return false
	}

	if len(m.Methods) > 0 && !containsFold(m.Methods, req.Method) {
		return false
	}

	if m.SourceService != "" && m.SourceService != req.SourceService {
		return false
	}

	for k, v := range m.SourceLabels {
		if req.SourceLabels[k] != v {
			return false
		}
	}

	return true
}

func matchPath(kind types.MatchKind, pattern, path string) bool {
	switch kind {
	case types.MatchPrefix:
		return strings.HasPrefix(path, pattern)
	case types.MatchRegex:
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(path)
	default: // exact
		return path == pattern
	}
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// applyHeaderRewrites mutates a copy of headers per a matched route's
// HeaderRewrites, generalizing the teacher's ingress.Middleware header-
// manipulation (add/set semantics) into the traffic policy's rewrite map.
func applyHeaderRewrites(headers map[string]string, rewrites map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+len(rewrites))
	for k, v := range headers {
		out[k] = v
	}
	for k, v := range rewrites {
		out[k] = v
	}
	return out
}

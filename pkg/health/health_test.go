package health

import (
	"context"
	"testing"
	"time"

	"github.com/fluxgate/fabric/pkg/types"
)

func TestNewCheckerBuildsScriptWithConfiguredCommand(t *testing.T) {
	cfg := &types.HealthCheckConfig{
		Type:    types.CheckTypeScript,
		Timeout: 5 * time.Second,
		Command: []string{"true"},
	}

	checker := NewChecker(cfg, "10.0.0.1:8080")
	sc, ok := checker.(*ScriptChecker)
	if !ok {
		t.Fatalf("expected *ScriptChecker, got %T", checker)
	}
	if len(sc.Command) != 1 || sc.Command[0] != "true" {
		t.Errorf("expected command [\"true\"], got %v", sc.Command)
	}
	if sc.Timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %s", sc.Timeout)
	}
}

func TestNewCheckerScriptWithoutCommandFailsEveryProbe(t *testing.T) {
	cfg := &types.HealthCheckConfig{Type: types.CheckTypeScript}

	checker := NewChecker(cfg, "10.0.0.1:8080")
	result := checker.Check(context.Background())
	if result.Healthy {
		t.Error("expected an unconfigured script check to report unhealthy")
	}
}

func TestNewCheckerHTTPUsesTargetURL(t *testing.T) {
	cfg := &types.HealthCheckConfig{Type: types.CheckTypeHTTP, Path: "/status"}

	checker := NewChecker(cfg, "http://10.0.0.1:8080/status")
	hc, ok := checker.(*HTTPChecker)
	if !ok {
		t.Fatalf("expected *HTTPChecker, got %T", checker)
	}
	if hc.URL != "http://10.0.0.1:8080/status" {
		t.Errorf("expected URL to be the target passed in, got %s", hc.URL)
	}
}

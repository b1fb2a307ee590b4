// Package health implements the active probes behind a ServiceInstance's
// health state machine (§4.1.2): HTTP, TCP, and script checkers evaluated
// by a Supervisor that tracks consecutive failures/successes and drives
// starting -> healthy -> degraded -> unhealthy transitions.
package health

import (
	"context"
	"time"

	"github.com/fluxgate/fabric/pkg/types"
)

// Result is the outcome of a single probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is implemented by each probe kind.
type Checker interface {
	Check(ctx context.Context) Result
	Type() types.CheckType
}

// NewChecker builds the Checker named by cfg.Type, addressed at host:port
// (or the full URL for HTTP/HTTPS). It returns nil for an unknown type.
func NewChecker(cfg *types.HealthCheckConfig, target string) Checker {
	if cfg == nil {
		return nil
	}
	switch cfg.Type {
	case types.CheckTypeHTTP:
		c := NewHTTPChecker(target).WithTimeout(cfg.Timeout)
		if cfg.Method != "" {
			c = c.WithMethod(cfg.Method)
		}
		for k, v := range cfg.Headers {
			c = c.WithHeader(k, v)
		}
		if len(cfg.ExpectedStatuses) > 0 {
			c.ExpectedStatuses = cfg.ExpectedStatuses
		}
		c.ExpectedBody = cfg.ExpectedBody
		return c
	case types.CheckTypeTCP:
		return NewTCPChecker(target).WithTimeout(cfg.Timeout)
	case types.CheckTypeScript:
		return NewScriptChecker(cfg.Command).WithTimeout(cfg.Timeout)
	default:
		return nil
	}
}

package mesh

import (
	"strings"

	"github.com/fluxgate/fabric/pkg/ferrors"
	"github.com/fluxgate/fabric/pkg/types"
)

// isRetryable implements §4.2.2's retryable predicate: an error is
// retryable when its message denotes timeout, connection, or network
// failure, or its status is in the policy's retryable_statuses.
func isRetryable(err error, statusCode int, policy types.RetryPolicy) bool {
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "timeout") || strings.Contains(msg, "connection") || strings.Contains(msg, "network") {
			return true
		}
		if ferrors.HasTag(err, ferrors.TagTimeout) || ferrors.HasTag(err, ferrors.TagNetwork) || ferrors.HasTag(err, ferrors.TagConnectionRefused) {
			return true
		}
	}
	for _, s := range policy.RetryableStatuses {
		if s == statusCode {
			return true
		}
	}
	return false
}

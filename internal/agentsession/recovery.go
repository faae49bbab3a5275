package agentsession

import "strings"

// RecoveryAction is the outcome of classifying a send failure.
type RecoveryAction int

const (
	// NoRetry means the error is not one of the recognized transient
	// transport failures; surface it to the caller immediately.
	NoRetry RecoveryAction = iota
	// RetrySameSession means the failure looks transient and the same
	// live session can be retried in place.
	RetrySameSession
)

// recoverableSubstrings is the set of lower-case transport error fragments
// that send-with-recovery treats as retryable (matched case-insensitively;
// the 500 reject is listed in both its short and long form): a prompt send
// may legitimately race subprocess startup, a slow agent response, or a
// momentarily unready stdin pipe.
var recoverableSubstrings = []string{
	"request 500",
	"request failed with status 500",
	"agent process exited",
	"no session for server",
	"process stdin not available",
	"timed out",
	"no conversation found",
	"session not found",
	"session did not end in result",
	"processtransport is not ready for writing",
}

// ClassifyError decides whether err's message matches one of the known
// recoverable transport failures.
func ClassifyError(err error) RecoveryAction {
	if err == nil {
		return NoRetry
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range recoverableSubstrings {
		if strings.Contains(msg, frag) {
			return RetrySameSession
		}
	}
	return NoRetry
}

package agentsession

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyErrorRecoverable(t *testing.T) {
	cases := []string{
		"request 500: internal error",
		"Request failed with status 500",
		"agent process exited",
		"no session for server abc",
		"process stdin not available",
		"timed out waiting for prompt response",
		"no conversation found",
		"session not found",
		"session did not end in result",
		"processtransport is not ready for writing",
	}
	for _, msg := range cases {
		require.Equal(t, RetrySameSession, ClassifyError(errors.New(msg)), msg)
	}
}

func TestClassifyErrorNonRecoverable(t *testing.T) {
	require.Equal(t, NoRetry, ClassifyError(errors.New("invalid params")))
	require.Equal(t, NoRetry, ClassifyError(nil))
}

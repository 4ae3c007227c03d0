package dnsresolve

import (
	"errors"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProblemMapsTimeout(t *testing.T) {
	err := &net.OpError{Op: "read", Err: os.ErrDeadlineExceeded}
	prob := Problem(err)
	require.Equal(t, "urn:ietf:params:acme:error:connection", string(prob.Type))
	require.Equal(t, detailDNSTimeout, prob.Detail)
}

func TestProblemMapsGenericFailure(t *testing.T) {
	prob := Problem(errors.New("SERVFAIL"))
	require.Equal(t, "urn:ietf:params:acme:error:connection", string(prob.Type))
	require.Equal(t, detailServerFailure, prob.Detail)
}

package dnsresolve

import (
	"errors"
	"net"

	"github.com/ssaarts/vism/probs"
)

const detailDNSTimeout = "DNS query timed out"
const detailDNSNetFailure = "DNS networking error"
const detailServerFailure = "Server failure at resolver"

// Problem maps a LookupAddresses error to a problem document, used
// when a client-IP validation lookup fails outright rather than
// simply missing the client's address.
func Problem(err error) *probs.ProblemDetails {
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return probs.Connection(detailDNSTimeout)
		}
		return probs.Connection(detailDNSNetFailure)
	}
	return probs.Connection(detailServerFailure)
}

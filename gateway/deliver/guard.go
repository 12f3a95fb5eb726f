package deliver

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

type (
	// SecurityPolicy controls which destinations the executor may contact.
	SecurityPolicy struct {
		// EnforceHTTPS rejects plain http targets.
		EnforceHTTPS bool
		// BlockPrivateNetworks rejects targets that resolve to loopback,
		// private, link-local or unspecified addresses. The check runs at
		// dial time on the resolved address, so DNS tricks cannot bypass it.
		BlockPrivateNetworks bool
	}

	// PolicyError reports a delivery blocked by the security policy.
	PolicyError struct {
		// Code is the stable policy code (PRIVATE_NETWORK, INSECURE_URL).
		Code string
		// Message describes what was blocked.
		Message string
	}
)

// Error implements the error interface.
func (e *PolicyError) Error() string {
	return fmt.Sprintf("delivery blocked by policy %s: %s", e.Code, e.Message)
}

// CheckURL validates the target URL against the policy before any I/O.
func (p SecurityPolicy) CheckURL(u *url.URL) error {
	if p.EnforceHTTPS && u.Scheme != "https" {
		return &PolicyError{
			Code:    "INSECURE_URL",
			Message: fmt.Sprintf("target %q must use https", u.Redacted()),
		}
	}
	return nil
}

// NewTransport builds the HTTP transport used for all outbound deliveries.
// When the policy blocks private networks the transport installs a dial-time
// control hook that inspects the resolved peer address, which also covers
// redirects and DNS rebinding.
func NewTransport(policy SecurityPolicy) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if policy.BlockPrivateNetworks {
		dialer.Control = func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				host = address
			}
			ip := net.ParseIP(host)
			if ip == nil || isPrivateAddr(ip) {
				return &PolicyError{
					Code:    "PRIVATE_NETWORK",
					Message: fmt.Sprintf("destination %s is not routable under the private network policy", address),
				}
			}
			return nil
		}
	}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// isPrivateAddr reports whether ip must not be dialed when private network
// blocking is enabled.
func isPrivateAddr(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsUnspecified()
}

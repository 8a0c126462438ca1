package delivery

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

// ErrBlockedAddress marks a connection refused by the SSRF guard. It is a
// terminal delivery failure, never retried.
var ErrBlockedAddress = errors.New("destination address blocked")

// ValidateURL rejects webhook destinations before a delivery row is even
// created: the URL must be http or https and carry a hostname.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook URL must be http or https (got %q)", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("webhook URL must have a host")
	}
	return nil
}

// blockedIP reports whether a resolved address must not be dialed:
// loopback, private, link-local, unspecified, and multicast ranges.
func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}

// safeControl runs after DNS resolution for every connection the transport
// opens, including ones triggered by redirects, so a public hostname
// resolving to a private address is still blocked.
func safeControl(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
	}
	ip := net.ParseIP(host)
	if ip == nil || blockedIP(ip) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	return nil
}

// NewHTTPClient returns the egress client for webhook delivery: fixed
// request timeout, SSRF-guarded dialer, guard re-applied on redirects
// (each redirect opens a new guarded connection), and at most 5 redirects.
func NewHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   safeControl,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: RequestTimeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{
		Timeout:   RequestTimeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}
}

// IsBlocked reports whether an HTTP error was caused by the SSRF guard.
// The guard error surfaces wrapped in a *url.Error from the client.
func IsBlocked(err error) bool {
	return errors.Is(err, ErrBlockedAddress)
}

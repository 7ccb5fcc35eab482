package refresh

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// validateRenewalEndpoint refuses to send the refresh credential anywhere but
// an https host on the allowlist (or its subdomains), or plain http on
// loopback. Embedded userinfo is rejected outright.
func validateRenewalEndpoint(raw string, allowHosts []string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("renewal endpoint is empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid renewal endpoint: %w", err)
	}
	if u.User != nil {
		return nil, fmt.Errorf("refusing renewal endpoint with embedded credentials")
	}

	host := strings.ToLower(strings.TrimSpace(u.Hostname()))
	if host == "" {
		return nil, fmt.Errorf("renewal endpoint missing host")
	}

	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "https" && !(scheme == "http" && isLoopbackHost(host)) {
		return nil, fmt.Errorf("refusing renewal endpoint scheme %q (host=%q)", scheme, host)
	}

	if isLoopbackHost(host) {
		return u, nil
	}

	for _, allowed := range allowHosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if h, _, err := net.SplitHostPort(allowed); err == nil {
			allowed = h
		}
		if allowed == "" {
			continue
		}
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return u, nil
		}
	}

	return nil, fmt.Errorf("refusing renewal endpoint host %q (not allowlisted)", host)
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

package delivery

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateTarget checks a webhook URL before a timer is armed with it. With
// requireHTTPS set, plain http is accepted only for loopback hosts.
func ValidateTarget(raw string, requireHTTPS bool) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("webhook url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("webhook url is malformed: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("webhook url must start with http:// or https://")
	}
	if u.Hostname() == "" {
		return errors.New("webhook url has no host")
	}
	if u.User != nil {
		return errors.New("webhook url must not embed credentials")
	}
	if requireHTTPS && u.Scheme != "https" && !isLoopback(u.Hostname()) {
		return errors.New("webhook url must use https")
	}
	return nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// probe dispatches one check to its mechanism.
func (m *Monitor) probe(ctx context.Context, check Check) error {
	switch check.Kind {
	case KindHTTP:
		return m.probeHTTP(ctx, check)
	case KindTCP:
		return probeTCP(ctx, check)
	case KindCustom:
		return check.Probe(ctx)
	}
	return fmt.Errorf("unknown check kind %q", check.Kind)
}

// probeHTTP issues a GET and requires the exact expected status code.
func (m *Monitor) probeHTTP(ctx context.Context, check Check) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, check.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	expect := check.ExpectStatus
	if expect == 0 {
		expect = http.StatusOK
	}
	if resp.StatusCode != expect {
		return fmt.Errorf("unexpected status %d, want %d", resp.StatusCode, expect)
	}
	return nil
}

// probeTCP dials the endpoint and closes the connection.
func probeTCP(ctx context.Context, check Check) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hostPort(check.Endpoint))
	if err != nil {
		return err
	}
	return conn.Close()
}

// hostPort normalizes a tcp endpoint: a missing port defaults to 80
// and bare IPv6 literals gain brackets.
func hostPort(endpoint string) string {
	if _, _, err := net.SplitHostPort(endpoint); err == nil {
		return endpoint
	}
	host := strings.TrimSuffix(strings.TrimPrefix(endpoint, "["), "]")
	if strings.Contains(host, ":") {
		return "[" + host + "]:80"
	}
	return host + ":80"
}

package egress

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

const maxRedirects = 5

// Client returns an HTTP client for fetching validated URLs. Its dialer vets
// the host again at connect time and dials the vetted address itself, so a
// name that re-resolves to an internal address between Validate and the
// fetch is still refused. Every redirect hop goes through Validate.
func (g *Guard) Client(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		// An environment proxy would make the vetted address irrelevant.
		Proxy:                 nil,
		DialContext:           g.dialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.New("too many redirects")
			}
			_, err := g.Validate(req.Context(), req.URL.String())
			return err
		},
	}
}

func (g *Guard) dialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	addrs, err := g.vet(ctx, normalizeHost(host))
	if err != nil {
		g.logger.Warn("Refused outbound connection", "host", host, "reason", err.Error())
		return nil, err
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	var lastErr error
	for _, addr := range addrs {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(addr.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

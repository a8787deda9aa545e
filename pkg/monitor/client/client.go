package client

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/helvethink/deploy-orchestrator/pkg/monitor"
)

// Client talks to the internal monitoring server of a running orchestrator.
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient creates a client for the monitoring server listening on endpoint.
// Unix sockets are dialed directly, any other scheme is treated as tcp.
func NewClient(endpoint *url.URL) *Client {
	log.WithField("endpoint", endpoint.String()).Debug("configuring monitoring client..")

	transport := &http.Transport{}
	baseURL := "http://" + endpoint.Host

	if endpoint.Scheme == "unix" {
		path := endpoint.Path
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}
		baseURL = "http://monitor"
	}

	return &Client{
		http:    &http.Client{Transport: transport},
		baseURL: baseURL,
	}
}

// GetConfig returns the configuration of the monitored process.
func (c *Client) GetConfig(ctx context.Context) (cfg monitor.Config, err error) {
	resp, err := c.get(ctx, "/config")
	if err != nil {
		return
	}
	defer resp.Body.Close()

	err = errors.Wrap(json.NewDecoder(resp.Body).Decode(&cfg), "decoding config")

	return
}

// GetTelemetry returns a single telemetry snapshot.
func (c *Client) GetTelemetry(ctx context.Context) (t monitor.Telemetry, err error) {
	resp, err := c.get(ctx, "/telemetry")
	if err != nil {
		return
	}
	defer resp.Body.Close()

	err = errors.Wrap(json.NewDecoder(resp.Body).Decode(&t), "decoding telemetry")

	return
}

// StreamTelemetry sends every snapshot pushed by the server on the returned
// channel. The error channel receives at most one value, after which both
// channels are closed.
func (c *Client) StreamTelemetry(ctx context.Context) (<-chan monitor.Telemetry, <-chan error) {
	out := make(chan monitor.Telemetry)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		resp, err := c.get(ctx, "/telemetry/stream")
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			var t monitor.Telemetry
			if err := json.Unmarshal(scanner.Bytes(), &t); err != nil {
				errs <- errors.Wrap(err, "decoding telemetry")
				return
			}

			select {
			case out <- t:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			errs <- errors.Wrap(err, "reading telemetry stream")
			return
		}

		if ctx.Err() == nil {
			errs <- errors.New("telemetry stream closed by the server")
		}
	}()

	return out, errs
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "could not connect to the server")
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Errorf("unexpected status from the monitoring server: %s", resp.Status)
	}

	return resp, nil
}

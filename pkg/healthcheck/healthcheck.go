// SPDX-License-Identifier: Apache-2.0

// Package healthcheck runs the optional background prober that feeds
// observed agent health into the registry. Dispatch works without it;
// the router's own demotions cover the reactive path.
package healthcheck

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/okodu/switchboard/pkg/core"
	"github.com/okodu/switchboard/pkg/registry"
)

// Config controls probe cadence.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultConfig returns the prober defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Checker probes registered agents and reports transitions to the
// registry. HTTP endpoints answer GET /healthz; gRPC endpoints answer
// the standard grpc.health.v1 Check RPC.
type Checker struct {
	registry   *registry.Registry
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Checker for the given registry.
func New(reg *registry.Registry, cfg Config) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Checker{
		registry:   reg,
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// Run probes all agents every interval until ctx is canceled.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.CheckAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckAll(ctx)
		}
	}
}

// CheckAll probes every registered agent once.
func (c *Checker) CheckAll(ctx context.Context) {
	for _, desc := range c.registry.Snapshot() {
		observedAt := c.now()
		health := c.Probe(ctx, desc.Endpoint)
		if health == desc.Health {
			continue
		}
		if err := c.registry.UpdateHealth(desc.ID, health, observedAt); err != nil {
			continue
		}
		c.logger.InfoContext(ctx, "agent health transition",
			"agent_id", desc.ID,
			"from", string(desc.Health),
			"to", string(health))
	}
}

// Probe checks one endpoint and classifies the result.
func (c *Checker) Probe(ctx context.Context, endpoint core.Endpoint) core.Health {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	switch strings.ToLower(endpoint.Scheme) {
	case "grpc":
		return c.probeGRPC(ctx, endpoint)
	default:
		return c.probeHTTP(ctx, endpoint)
	}
}

func (c *Checker) probeHTTP(ctx context.Context, endpoint core.Endpoint) core.Health {
	target, err := healthURL(endpoint.URL)
	if err != nil {
		return core.HealthUnreachable
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return core.HealthUnreachable
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return core.HealthDegraded
		}
		return core.HealthUnreachable
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return core.HealthHealthy
	}
	return core.HealthDegraded
}

func (c *Checker) probeGRPC(ctx context.Context, endpoint core.Endpoint) core.Health {
	conn, err := grpc.NewClient(grpcTarget(endpoint.URL),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return core.HealthUnreachable
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return core.HealthDegraded
		}
		return core.HealthUnreachable
	}
	if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
		return core.HealthHealthy
	}
	return core.HealthDegraded
}

func healthURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("endpoint url %q has no host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/healthz"
	return u.String(), nil
}

func grpcTarget(raw string) string {
	// Endpoint URLs may carry a grpc:// prefix; the dialer wants
	// host:port.
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return raw
}

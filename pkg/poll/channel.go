package poll

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/steward/pkg/clusterapi"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/security"
	"github.com/cuemby/steward/pkg/types"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// HeaderCorrelationID carries a fresh id per poll for tracing across the
	// provider's logs
	HeaderCorrelationID = "X-Correlation-Id"

	// HeaderClientRequestID identifies the cluster
	HeaderClientRequestID = "X-Client-Request-Id"

	defaultRequestTimeout = 2 * time.Minute

	opPoll = "Poll"
)

// Channel exchanges the status of the last cycle for the next desired state
type Channel interface {
	Poll(ctx context.Context, req *types.UpgradeServicePollRequest) (*types.UpgradeServicePollResponse, error)
}

// Config configures the HTTP poll channel
type Config struct {
	Endpoint  string
	ClusterID string

	// Certificates are tried in order until the provider accepts one
	Certificates []tls.Certificate
	RootCAs      *x509.CertPool

	RequestTimeout time.Duration
}

// HTTPChannel posts poll requests to the provider over HTTPS
type HTTPChannel struct {
	endpoint  string
	clusterID string
	clients   []*resty.Client
	subjects  []string
	logger    zerolog.Logger

	mu        sync.Mutex
	preferred int
}

var _ Channel = (*HTTPChannel)(nil)

// NewHTTPChannel creates a poll channel with one HTTP client per
// certificate. Without certificates a single client presents none.
func NewHTTPChannel(cfg Config) (*HTTPChannel, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("poll endpoint is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	logger := log.WithComponent("poll")
	c := &HTTPChannel{
		endpoint:  strings.TrimSuffix(cfg.Endpoint, "/"),
		clusterID: cfg.ClusterID,
		logger:    logger,
	}

	certs := make([]*tls.Certificate, 0, len(cfg.Certificates))
	for i := range cfg.Certificates {
		certs = append(certs, &cfg.Certificates[i])
	}
	if len(certs) == 0 {
		certs = append(certs, nil)
	}

	for _, cert := range certs {
		client := resty.New().
			SetLogger(log.NewRestyLogger(logger)).
			SetTimeout(cfg.RequestTimeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json").
			SetTLSClientConfig(security.ClientTLSConfig(cert, cfg.RootCAs)).
			SetDisableWarn(true)
		c.clients = append(c.clients, client)

		subject := "none"
		if cert != nil && cert.Leaf != nil {
			subject = security.Subject(cert.Leaf)
		}
		c.subjects = append(c.subjects, subject)
	}
	return c, nil
}

// Poll sends req and returns the provider's response. The certificate the
// provider accepted last is tried first; on 401 the others follow in order.
func (c *HTTPChannel) Poll(ctx context.Context, req *types.UpgradeServicePollRequest) (*types.UpgradeServicePollResponse, error) {
	correlationID := uuid.NewString()
	logger := log.WithCorrelationID(c.logger, correlationID)

	start := c.preferredClient()
	for i := range c.clients {
		idx := (start + i) % len(c.clients)

		var result types.UpgradeServicePollResponse
		resp, err := c.clients[idx].R().
			SetContext(ctx).
			SetHeader(HeaderCorrelationID, correlationID).
			SetHeader(HeaderClientRequestID, c.clusterID).
			SetBody(req).
			SetResult(&result).
			Post(c.endpoint)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, clusterapi.NewError(opPoll, clusterapi.KindTransient, ctxErr)
			}
			return nil, clusterapi.NewError(opPoll, clusterapi.KindTransient, err)
		}

		if resp.StatusCode() == http.StatusUnauthorized {
			logger.Warn().Str("certificate", c.subjects[idx]).Msg("Provider rejected client certificate")
			continue
		}
		if resp.IsError() {
			return nil, classify(resp)
		}

		if idx != start {
			logger.Info().Str("certificate", c.subjects[idx]).Msg("Switched client certificate")
			c.setPreferredClient(idx)
		}
		logger.Debug().
			Int("status_code", resp.StatusCode()).
			Dur("duration", resp.Time()).
			Msg("Poll completed")
		return &result, nil
	}

	return nil, clusterapi.Errorf(opPoll, clusterapi.KindFatal, "provider rejected all %d client certificates", len(c.clients))
}

func (c *HTTPChannel) preferredClient() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preferred
}

func (c *HTTPChannel) setPreferredClient(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preferred = idx
}

// classify maps a failed poll to a transient or fatal error
func classify(resp *resty.Response) error {
	err := fmt.Errorf("provider returned %s", resp.Status())
	switch code := resp.StatusCode(); {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return clusterapi.NewError(opPoll, clusterapi.KindTransient, err)
	default:
		return clusterapi.NewError(opPoll, clusterapi.KindFatal, err)
	}
}

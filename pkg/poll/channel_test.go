package poll

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/steward/pkg/clusterapi"
	"github.com/cuemby/steward/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clientCert(t *testing.T, name string) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
}

// provider accepts only the named client certificate and records who called
type provider struct {
	mu       sync.Mutex
	accept   string
	callers  []string
	headers  []http.Header
	requests []types.UpgradeServicePollRequest
	response types.UpgradeServicePollResponse
}

func (p *provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	caller := ""
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		caller = r.TLS.PeerCertificates[0].Subject.CommonName
	}

	var req types.UpgradeServicePollRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	p.mu.Lock()
	p.callers = append(p.callers, caller)
	p.headers = append(p.headers, r.Header.Clone())
	p.requests = append(p.requests, req)
	accept, response := p.accept, p.response
	p.mu.Unlock()

	if caller != accept {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (p *provider) setAccept(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accept = name
}

func (p *provider) takeCallers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	callers := p.callers
	p.callers = nil
	return callers
}

func newTLSProvider(t *testing.T, p *provider) (*httptest.Server, *x509.CertPool) {
	t.Helper()
	server := httptest.NewUnstartedServer(p)
	server.TLS = &tls.Config{ClientAuth: tls.RequireAnyClientCert}
	server.StartTLS()
	t.Cleanup(server.Close)

	roots := x509.NewCertPool()
	roots.AddCert(server.Certificate())
	return server, roots
}

func TestPollRotatesCertificates(t *testing.T) {
	p := &provider{
		accept: "second",
		response: types.UpgradeServicePollResponse{
			ClusterOperationDescription: &types.ClusterOperationDescription{
				OperationMeta:     types.OperationMeta{ResourceID: "cluster", ResourceType: types.ResourceTypeCluster, OperationSequenceNumber: 3},
				TargetCodeVersion: "7.1.0.1",
			},
		},
	}
	server, roots := newTLSProvider(t, p)

	channel, err := NewHTTPChannel(Config{
		Endpoint:       server.URL + "/poll",
		ClusterID:      "cluster-1",
		Certificates:   []tls.Certificate{clientCert(t, "first"), clientCert(t, "second"), clientCert(t, "third")},
		RootCAs:        roots,
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	resp, err := channel.Poll(context.Background(), &types.UpgradeServicePollRequest{})
	require.NoError(t, err)
	require.NotNil(t, resp.ClusterOperationDescription)
	assert.Equal(t, "7.1.0.1", resp.ClusterOperationDescription.TargetCodeVersion)
	assert.Equal(t, []string{"first", "second"}, p.takeCallers())

	// the accepted certificate is remembered
	_, err = channel.Poll(context.Background(), &types.UpgradeServicePollRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, p.takeCallers())

	// rotation continues in order and wraps around
	p.setAccept("first")
	_, err = channel.Poll(context.Background(), &types.UpgradeServicePollRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "third", "first"}, p.takeCallers())
}

func TestPollAllCertificatesRejected(t *testing.T) {
	p := &provider{accept: "nobody"}
	server, roots := newTLSProvider(t, p)

	channel, err := NewHTTPChannel(Config{
		Endpoint:     server.URL,
		Certificates: []tls.Certificate{clientCert(t, "first"), clientCert(t, "second")},
		RootCAs:      roots,
	})
	require.NoError(t, err)

	_, err = channel.Poll(context.Background(), &types.UpgradeServicePollRequest{})
	require.Error(t, err)
	assert.Equal(t, clusterapi.KindFatal, clusterapi.KindOf(err))
	assert.Len(t, p.takeCallers(), 2)
}

func TestPollHeadersAndBody(t *testing.T) {
	p := &provider{}
	server := httptest.NewServer(p)
	t.Cleanup(server.Close)

	channel, err := NewHTTPChannel(Config{Endpoint: server.URL, ClusterID: "cluster-1"})
	require.NoError(t, err)

	req := &types.UpgradeServicePollRequest{
		ServiceOperationStatuses: []types.OperationStatus{
			types.NewOperationStatus(types.OperationMeta{ResourceID: "svc", ResourceType: types.ResourceTypeService, OperationSequenceNumber: 2}, types.ResultStatusSucceeded),
		},
	}
	for range 2 {
		_, err := channel.Poll(context.Background(), req)
		require.NoError(t, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.headers, 2)
	first := p.headers[0].Get(HeaderCorrelationID)
	_, err = uuid.Parse(first)
	assert.NoError(t, err)
	assert.NotEqual(t, first, p.headers[1].Get(HeaderCorrelationID))
	assert.Equal(t, "cluster-1", p.headers[0].Get(HeaderClientRequestID))

	require.Len(t, p.requests[0].ServiceOperationStatuses, 1)
	assert.Equal(t, "svc", p.requests[0].ServiceOperationStatuses[0].ResourceID)
	assert.Equal(t, types.ResultStatusSucceeded, p.requests[0].ServiceOperationStatuses[0].Status)
}

func TestPollErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{"server error", http.StatusInternalServerError, true},
		{"unavailable", http.StatusServiceUnavailable, true},
		{"throttled", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
		{"forbidden", http.StatusForbidden, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			t.Cleanup(server.Close)

			channel, err := NewHTTPChannel(Config{Endpoint: server.URL})
			require.NoError(t, err)

			_, err = channel.Poll(context.Background(), &types.UpgradeServicePollRequest{})
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, clusterapi.IsTransient(err))
		})
	}
}

func TestPollCancelled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	channel, err := NewHTTPChannel(Config{Endpoint: server.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = channel.Poll(ctx, &types.UpgradeServicePollRequest{})
	require.Error(t, err)
	assert.True(t, clusterapi.IsTransient(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewHTTPChannelRequiresEndpoint(t *testing.T) {
	_, err := NewHTTPChannel(Config{})
	assert.Error(t, err)
}

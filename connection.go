package pacer

import (
	"net"
	"net/http"
	"sync"
)

// ConnectionManager owns a single lazily-created pooled HTTP client.
// Construction is serialized: concurrent callers never race to build two live
// clients, they block on the same construction and share its result. A closed
// manager transparently rebuilds the client on the next Client call.
type ConnectionManager struct {
	mu     sync.Mutex
	config ConnectionConfig
	client *http.Client
}

// NewConnectionManager creates a manager with the given pool configuration.
// The client itself is not built until the first Client call.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{config: config}
}

// Client returns the pooled HTTP client, building it on first use or after a
// Close. The returned client is safe for unlimited concurrent use.
func (cm *ConnectionManager) Client() *http.Client {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.client == nil {
		cm.client = cm.build()
	}
	return cm.client
}

func (cm *ConnectionManager) build() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: cm.config.ConnectTimeout,
		}).DialContext,
		MaxConnsPerHost:       cm.config.MaxConns,
		MaxIdleConns:          cm.config.MaxIdleConns,
		MaxIdleConnsPerHost:   cm.config.MaxIdleConns,
		IdleConnTimeout:       cm.config.IdleConnTimeout,
		TLSHandshakeTimeout:   cm.config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cm.config.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cm.config.RequestTimeout,
	}
}

// Close releases the pooled connections and drops the client handle.
// Idempotent and safe to call with no active client.
func (cm *ConnectionManager) Close() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.client == nil {
		return
	}
	if transport, ok := cm.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
	cm.client = nil
}

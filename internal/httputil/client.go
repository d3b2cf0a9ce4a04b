package httputil

import (
	"net/http"
	"time"
)

// NewClient builds an HTTP client with pooled connections. The oracle
// polls the same quote hosts every few minutes and the messenger hits
// one API host constantly, so keeping idle connections warm saves a
// TLS handshake on nearly every call.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

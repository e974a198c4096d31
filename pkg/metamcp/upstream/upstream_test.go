package upstream

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/metamcp/pkg/metamcp"
)

func TestDial_UnsupportedTransport(t *testing.T) {
	_, err := dial(&metamcp.McpServer{Transport: "carrier-pigeon"})
	require.Error(t, err)
}

func TestAuthOptions_NoneWhenUnconfigured(t *testing.T) {
	opts := authOptions(&metamcp.McpServer{Transport: metamcp.TransportSSE})
	assert.Empty(t, opts)
}

func TestAuthOptions_PresentWithBearerToken(t *testing.T) {
	opts := authOptions(&metamcp.McpServer{Transport: metamcp.TransportSSE, BearerToken: "tok"})
	assert.Len(t, opts, 1)
}

func TestHeaderRoundTripper_InjectsBearerAndHeaders(t *testing.T) {
	var gotAuth, gotCustom string
	upstreamServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstreamServer.Close()

	rt := &headerRoundTripper{bearerToken: "secret", headers: map[string]string{"X-Custom": "value"}}
	httpClient := &http.Client{Transport: rt}

	req, err := http.NewRequest(http.MethodGet, upstreamServer.URL, nil)
	require.NoError(t, err)
	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "value", gotCustom)
}

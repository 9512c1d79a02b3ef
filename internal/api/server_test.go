package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altia/nlserv/internal/seat"
)

type fakeReader struct {
	products []string
	conns    map[string][]seat.ConnectionView
	seats    map[string]int
	views    map[string]seat.LicenceView
}

func (f *fakeReader) GetProducts(context.Context) ([]string, error) {
	return f.products, nil
}

func (f *fakeReader) GetConnections(_ context.Context, product string) ([]seat.ConnectionView, error) {
	return f.conns[product], nil
}

func (f *fakeReader) TotalSeats(_ context.Context, product string) (int, error) {
	n, ok := f.seats[product]
	if !ok {
		return 0, seat.ErrInvalidProduct
	}
	return n, nil
}

func (f *fakeReader) GetLicenceDetails(_ context.Context, product string) (seat.LicenceView, error) {
	v, ok := f.views[product]
	if !ok {
		return seat.LicenceView{}, seat.ErrInvalidProduct
	}
	return v, nil
}

func testReader() *fakeReader {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &fakeReader{
		products: []string{"insight"},
		conns: map[string][]seat.ConnectionView{
			"insight": {{User: "alice", Host: "hostA", IP: "1.1.1.1", LogonTime: now, UpdateTime: now}},
		},
		seats: map[string]int{"insight": 4},
		views: map[string]seat.LicenceView{
			"insight": {
				Company:       "Altia",
				Product:       "insight",
				Customer:      "Example Corp",
				NumberOfSeats: 4,
				Date:          time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
			},
		},
	}
}

func newTestServer(cfg Config) *httptest.Server {
	s := NewServer(cfg, testReader())
	return httptest.NewServer(s.Router())
}

func TestProductsEndpoint(t *testing.T) {
	ts := newTestServer(Config{Version: "test"})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/products")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var products []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&products))
	assert.Equal(t, []string{"insight"}, products)
}

func TestConnectionsEndpoint(t *testing.T) {
	ts := newTestServer(Config{Version: "test"})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/connections?product=insight")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var conns []connectionJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conns))
	require.Len(t, conns, 1)
	assert.Equal(t, "alice", conns[0].User)

	// Missing product parameter is a client error.
	resp, err = http.Get(ts.URL + "/api/connections")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLicenceEndpoint(t *testing.T) {
	ts := newTestServer(Config{Version: "test"})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/licence?product=insight")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var lic licenceJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lic))
	assert.Equal(t, "Altia", lic.Company)
	assert.Equal(t, "01/Jan/2030", lic.Date)

	resp, err = http.Get(ts.URL + "/api/licence?product=ghost")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDashboardRenders(t *testing.T) {
	ts := newTestServer(Config{Version: "test"})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}

func TestHealthzUnprotected(t *testing.T) {
	ts := newTestServer(Config{Version: "test", UserName: "admin", Password: "secret"})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBasicAuthGuardsDashboard(t *testing.T) {
	ts := newTestServer(Config{Version: "test", UserName: "admin", Password: "secret"})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/products")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/products", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req.SetBasicAuth("admin", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(Config{Version: "test"})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

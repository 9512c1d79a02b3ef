package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/altia/nlserv/internal/seat"
)

// fakeSeats is a canned SeatService for protocol tests.
type fakeSeats struct {
	granted  bool
	takeErr  error
	products []string
	conns    []seat.ConnectionView
	seats    int
	view     seat.LicenceView
	viewErr  error
}

func (f *fakeSeats) TakeSeat(context.Context, string, string, string, string) (bool, error) {
	return f.granted, f.takeErr
}

func (f *fakeSeats) RefreshSeat(context.Context, string, string, string, string) error {
	return nil
}

func (f *fakeSeats) ReleaseSeat(context.Context, string, string, string) (bool, error) {
	return true, nil
}

func (f *fakeSeats) GetConnections(context.Context, string) ([]seat.ConnectionView, error) {
	return f.conns, nil
}

func (f *fakeSeats) GetProducts(context.Context) ([]string, error) {
	return f.products, nil
}

func (f *fakeSeats) TotalSeats(context.Context, string) (int, error) {
	return f.seats, nil
}

func (f *fakeSeats) GetLicenceDetails(context.Context, string) (seat.LicenceView, error) {
	return f.view, f.viewErr
}

// startServer runs a server on a loopback port and returns a connected
// client. Everything is torn down with the test.
func startServer(t *testing.T, seats SeatService) *Client {
	t.Helper()

	srv := NewServer(ServerConfig{
		Addr:       "127.0.0.1:0",
		Workers:    3,
		Version:    "v1.2.3-test",
		WebAddress: "http://example.test:8080",
	}, seats)

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, srv.Addr())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		srv.Stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return client
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTakeSeatExchange(t *testing.T) {
	client := startServer(t, &fakeSeats{granted: true})

	ctx := context.Background()
	reply, err := client.Do(ctx, Request{Type: MessageTakeSeat, Product: "App", User: "alice", Host: "hostA", IP: "1.1.1.1"})
	require.NoError(t, err)
	assert.Equal(t, NoError, reply.Error)
	require.NotNil(t, reply.Granted)
	assert.True(t, *reply.Granted)
}

func TestInvalidProductMapsToErrorCode(t *testing.T) {
	client := startServer(t, &fakeSeats{takeErr: seat.ErrInvalidProduct, viewErr: seat.ErrInvalidProduct})

	ctx := context.Background()
	reply, err := client.Do(ctx, Request{Type: MessageTakeSeat, Product: "Ghost", User: "a", Host: "h", IP: "1.1.1.1"})
	require.NoError(t, err)
	assert.Equal(t, InvalidProduct, reply.Error)

	reply, err = client.Do(ctx, Request{Type: MessageQueryLicence, Product: "Ghost"})
	require.NoError(t, err)
	assert.Equal(t, InvalidProduct, reply.Error)
}

func TestQueryRepliesCarryPayloads(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client := startServer(t, &fakeSeats{
		products: []string{"alpha", "beta"},
		seats:    4,
		conns: []seat.ConnectionView{
			{User: "alice", Host: "hostA", IP: "1.1.1.1", LogonTime: now, UpdateTime: now},
		},
		view: seat.LicenceView{
			Company:       "Altia",
			Product:       "alpha",
			Customer:      "Example Corp",
			NumberOfSeats: 4,
			Date:          time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	})
	ctx := context.Background()

	reply, err := client.Do(ctx, Request{Type: MessageQueryProducts})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, reply.Products)

	reply, err = client.Do(ctx, Request{Type: MessageNumberOfSeats, Product: "alpha"})
	require.NoError(t, err)
	require.NotNil(t, reply.Seats)
	assert.Equal(t, 4, *reply.Seats)

	reply, err = client.Do(ctx, Request{Type: MessageQueryConnections, Product: "alpha"})
	require.NoError(t, err)
	require.Len(t, reply.Connections, 1)
	assert.Equal(t, "alice", reply.Connections[0].User)

	reply, err = client.Do(ctx, Request{Type: MessageQueryLicence, Product: "alpha"})
	require.NoError(t, err)
	require.NotNil(t, reply.Licence)
	assert.Equal(t, "Altia", reply.Licence.Company)
	assert.Equal(t, "01/Jan/2030", reply.Licence.Date)

	reply, err = client.Do(ctx, Request{Type: MessageServerVersion})
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3-test", reply.Value)

	reply, err = client.Do(ctx, Request{Type: MessageWebServerAddress})
	require.NoError(t, err)
	assert.Equal(t, "http://example.test:8080", reply.Value)
}

func TestUnknownMessageType(t *testing.T) {
	client := startServer(t, &fakeSeats{})

	reply, err := client.Do(context.Background(), Request{Type: MessageType(42)})
	require.NoError(t, err)
	assert.Equal(t, UnknownError, reply.Error)
}

func TestStopUnblocksIdleConnections(t *testing.T) {
	seats := &fakeSeats{granted: true}
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", Workers: 2}, seats)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dialCancel()
	client, err := Dial(dialCtx, srv.Addr())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	// One exchange, then the client goes idle without disconnecting.
	reply, err := client.Do(context.Background(), Request{Type: MessageServerVersion})
	require.NoError(t, err)
	assert.Equal(t, NoError, reply.Error)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop while a client connection stayed open")
	}
}

func TestKillFromLoopbackStopsServer(t *testing.T) {
	seats := &fakeSeats{}
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", Workers: 2}, seats)

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()
	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, Kill(ctx, srv.Addr()))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after Kill")
	}
}

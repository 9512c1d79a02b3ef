package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/altia/nlserv/internal/licence"
	"github.com/altia/nlserv/internal/log"
	"github.com/altia/nlserv/internal/metrics"
	"github.com/altia/nlserv/internal/seat"
)

// SeatService is the seat-manager surface the transport dispatches to.
type SeatService interface {
	TakeSeat(ctx context.Context, product, ipAddress, userName, host string) (bool, error)
	RefreshSeat(ctx context.Context, product, ipAddress, userName, host string) error
	ReleaseSeat(ctx context.Context, product, ipAddress, userName string) (bool, error)
	GetConnections(ctx context.Context, product string) ([]seat.ConnectionView, error)
	GetProducts(ctx context.Context) ([]string, error)
	TotalSeats(ctx context.Context, product string) (int, error)
	GetLicenceDetails(ctx context.Context, product string) (seat.LicenceView, error)
}

// ServerConfig configures the TCP listener and worker pool.
type ServerConfig struct {
	Addr    string
	Workers int
	Version string
	// WebAddress is the dashboard URI sent back for WebServerAddress
	// requests, empty when the dashboard is disabled.
	WebAddress string
	// AcceptRate throttles new connections; zero means 100/s burst 200.
	AcceptRate rate.Limit
}

// Server serves the licence protocol over TCP. Accepted connections are
// queued to a fixed pool of workers; each worker runs one connection's
// request/reply loop at a time.
type Server struct {
	cfg     ServerConfig
	seats   SeatService
	limiter *rate.Limiter

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewServer builds a Server. Workers below 1 fall back to 1.
func NewServer(cfg ServerConfig, seats SeatService) *Server {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	limit := cfg.AcceptRate
	if limit == 0 {
		limit = 100
	}
	return &Server{
		cfg:     cfg,
		seats:   seats,
		limiter: rate.NewLimiter(limit, int(limit)*2),
		conns:   make(map[net.Conn]struct{}),
		stopped: make(chan struct{}),
	}
}

// Addr returns the bound listener address, empty before Run.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop closes the listener and every open connection, so workers
// blocked reading from idle peers unblock too. Safe to call more than
// once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.mu.Lock()
		if s.ln != nil {
			_ = s.ln.Close()
		}
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
	})
}

// track registers a connection for closure on Stop. It reports false
// once the server is stopping; the caller must drop the connection.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopped:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Run binds the listener and serves until ctx is cancelled, Stop is
// called, or a Kill message arrives from loopback. Failure to bind is
// fatal.
func (s *Server) Run(ctx context.Context) error {
	logger := log.WithComponent("transport")

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	logger.Info().
		Str("event", "transport.listen").
		Str("addr", ln.Addr().String()).
		Int("workers", s.cfg.Workers).
		Msg("licence server listening")

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopped:
		}
	}()

	queue := make(chan net.Conn)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for conn := range queue {
				s.serveConn(ctx, conn)
			}
		}()
	}

	var acceptErr error
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopped:
			case <-ctx.Done():
			default:
				acceptErr = fmt.Errorf("accept: %w", err)
			}
			break
		}
		queue <- conn
	}

	close(queue)
	wg.Wait()
	s.Stop()

	logger.Info().Str("event", "transport.stopped").Msg("licence server stopped")
	return acceptErr
}

// serveConn runs the request/reply loop for one connection until the
// peer closes it or a message fails to decode.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	// Connections still queued when Stop runs are dropped unserved.
	if !s.track(conn) {
		return
	}
	defer s.untrack(conn)

	connID := uuid.NewString()
	logger := log.WithComponent("transport").With().
		Str("conn_id", connID).
		Str("remote", conn.RemoteAddr().String()).
		Logger()

	for {
		var req Request
		if err := ReadMessage(conn, &req); err != nil {
			return
		}

		if req.Type == MessageKill {
			if isLoopback(conn.RemoteAddr()) {
				logger.Info().Str("event", "transport.kill").Msg("kill received, shutting down")
				_ = WriteMessage(conn, okReply())
				s.Stop()
			} else {
				logger.Warn().Str("event", "transport.kill_rejected").Msg("kill from non-loopback peer ignored")
				_ = WriteMessage(conn, errorReply(UnknownError))
			}
			return
		}

		start := time.Now()
		reply := s.dispatch(ctx, logger, req)
		metrics.RecordRequest(req.Type.String(), time.Since(start), reply.Error != NoError)

		if err := WriteMessage(conn, reply); err != nil {
			logger.Warn().Err(err).Str("event", "transport.write_failed").Msg("reply not delivered")
			return
		}
	}
}

// dispatch maps one request to a reply. Panics and unexpected errors
// become UnknownError; the connection and the process carry on.
func (s *Server) dispatch(ctx context.Context, logger zerolog.Logger, req Request) (reply Reply) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("event", "transport.panic").
				Str("type", req.Type.String()).
				Interface("panic", r).
				Msg("request handler panicked")
			reply = errorReply(UnknownError)
		}
	}()

	switch req.Type {
	case MessageTakeSeat:
		granted, err := s.seats.TakeSeat(ctx, req.Product, req.IP, req.User, req.Host)
		if err != nil {
			return s.errorFor(logger, req, err)
		}
		if granted {
			metrics.RecordSeatGranted(req.Product)
		} else {
			metrics.RecordSeatDenied(req.Product)
		}
		r := okReply()
		r.Granted = &granted
		return r

	case MessageReleaseSeat:
		released, err := s.seats.ReleaseSeat(ctx, req.Product, req.IP, req.User)
		if err != nil {
			return s.errorFor(logger, req, err)
		}
		metrics.RecordSeatReleased(req.Product)
		r := okReply()
		r.Granted = &released
		return r

	case MessageRefreshSeat:
		if err := s.seats.RefreshSeat(ctx, req.Product, req.IP, req.User, req.Host); err != nil {
			return s.errorFor(logger, req, err)
		}
		metrics.RecordSeatRefreshed(req.Product)
		return okReply()

	case MessageQueryConnections:
		conns, err := s.seats.GetConnections(ctx, req.Product)
		if err != nil {
			return s.errorFor(logger, req, err)
		}
		r := okReply()
		r.Connections = make([]ConnectionInfo, 0, len(conns))
		for _, c := range conns {
			r.Connections = append(r.Connections, ConnectionInfo{
				User:       c.User,
				Host:       c.Host,
				IP:         c.IP,
				LogonTime:  c.LogonTime,
				UpdateTime: c.UpdateTime,
			})
		}
		return r

	case MessageNumberOfSeats:
		seats, err := s.seats.TotalSeats(ctx, req.Product)
		if err != nil {
			return s.errorFor(logger, req, err)
		}
		r := okReply()
		r.Seats = &seats
		return r

	case MessageServerVersion:
		r := okReply()
		r.Value = s.cfg.Version
		return r

	case MessageQueryProducts:
		products, err := s.seats.GetProducts(ctx)
		if err != nil {
			return s.errorFor(logger, req, err)
		}
		r := okReply()
		r.Products = products
		return r

	case MessageQueryLicence:
		view, err := s.seats.GetLicenceDetails(ctx, req.Product)
		if err != nil {
			return s.errorFor(logger, req, err)
		}
		r := okReply()
		info := LicenceInfo{
			Company:       view.Company,
			Product:       view.Product,
			Customer:      view.Customer,
			Ref:           view.Ref,
			Reseller:      view.Reseller,
			NumberOfSeats: view.NumberOfSeats,
		}
		if !view.Date.IsZero() {
			info.Date = view.Date.Format(licence.DateLayout)
		}
		r.Licence = &info
		return r

	case MessageWebServerAddress:
		r := okReply()
		r.Value = s.cfg.WebAddress
		return r

	default:
		logger.Warn().
			Str("event", "transport.unknown_type").
			Int("type", int(req.Type)).
			Msg("unknown message type")
		return errorReply(UnknownError)
	}
}

// errorFor classifies a seat-manager error into a reply code.
func (s *Server) errorFor(logger zerolog.Logger, req Request, err error) Reply {
	switch {
	case errors.Is(err, seat.ErrInvalidProduct):
		logger.Warn().
			Str("event", "transport.invalid_product").
			Str("type", req.Type.String()).
			Str("product", req.Product).
			Msg("invalid product")
		return errorReply(InvalidProduct)
	default:
		logger.Error().
			Err(err).
			Str("event", "transport.request_failed").
			Str("type", req.Type.String()).
			Msg("request failed")
		return errorReply(UnknownError)
	}
}

func isLoopback(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	return tcp.IP.IsLoopback()
}

package seat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/altia/nlserv/internal/licence"
	"github.com/altia/nlserv/internal/log"
	"github.com/altia/nlserv/internal/store"
)

// FudgeFactor is the fixed tolerance added to the heartbeat before a
// connection counts as stale.
const FudgeFactor = 30 * time.Second

// DefaultHeartbeat matches the default client refresh period.
const DefaultHeartbeat = 300 * time.Second

var (
	// ErrInvalidProduct marks a product with no licence rows at all.
	ErrInvalidProduct = errors.New("invalid product")

	// ErrEmptyArgument marks a missing required string input.
	ErrEmptyArgument = errors.New("empty argument")
)

// ConnectionView is the projection of a live connection handed to
// clients.
type ConnectionView struct {
	User       string
	Host       string
	IP         string
	LogonTime  time.Time
	UpdateTime time.Time
}

// LicenceView is the headline licence summary for one product: the
// newest admitted licence's identity with the pooled seat total and a
// representative date.
type LicenceView struct {
	Company       string
	Product       string
	Customer      string
	Ref           string
	Reseller      string
	NumberOfSeats int
	Date          time.Time // zero when a perpetual licence is admitted
}

// Options configures a Manager.
type Options struct {
	Heartbeat time.Duration
	// SkipDoubleValidation turns off signature re-verification of rows
	// read back from the store. Re-verification is on whenever a
	// verifier is present.
	SkipDoubleValidation bool
	Now                  func() time.Time // test hook; defaults to time.Now
}

// Manager is the public seat-accounting API. All mutating operations
// serialise on an internal mutex and run inside an immediate
// transaction, so concurrent TakeSeat calls for the same product can
// never overshoot the quota. Signature verification happens before the
// critical section.
type Manager struct {
	mu        sync.Mutex
	store     *store.Store
	admission Admission
	heartbeat time.Duration
	now       func() time.Time
}

// NewManager wires the seat manager to its store and verifier.
func NewManager(st *store.Store, verifier *licence.Verifier, opts Options) *Manager {
	hb := opts.Heartbeat
	if hb <= 0 {
		hb = DefaultHeartbeat
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store: st,
		admission: Admission{
			Verifier:         verifier,
			DoubleValidation: verifier != nil && !opts.SkipDoubleValidation,
		},
		heartbeat: hb,
		now:       now,
	}
}

// StaleTime returns the threshold below which connections are stale.
func (m *Manager) StaleTime() time.Time {
	return m.now().Add(-(m.heartbeat + FudgeFactor))
}

// Heartbeat returns the configured client refresh period.
func (m *Manager) Heartbeat() time.Duration {
	return m.heartbeat
}

func requireArgs(args map[string]string) error {
	for name, v := range args {
		if v == "" {
			return fmt.Errorf("%w: %s", ErrEmptyArgument, name)
		}
	}
	return nil
}

// buildPool loads the product's licence rows and runs admission over
// them. The row count comes back too, so callers can tell "no licences
// at all" from "none admitted".
func (m *Manager) buildPool(ctx context.Context, product string) (Result, int, error) {
	rows, err := m.store.LicencesForProduct(ctx, product)
	if err != nil {
		return Result{}, 0, err
	}
	res := m.admission.Build(rows, m.now())
	res.Pool.Sort()
	return res, len(rows), nil
}

// TakeSeat allocates a seat for the requester if the product's quota
// has room, binding the connection to a licence chosen by the
// assignment policy. It returns false when every seat is taken and
// ErrInvalidProduct when no licence rows exist for the product.
func (m *Manager) TakeSeat(ctx context.Context, product, ipAddress, userName, host string) (bool, error) {
	if err := requireArgs(map[string]string{
		"product": product, "ipAddress": ipAddress, "userName": userName, "host": host,
	}); err != nil {
		return false, err
	}
	logger := log.WithComponent("seat")

	// Verification is CPU-bound; run it before taking the write lock.
	res, rowCount, err := m.buildPool(ctx, product)
	if err != nil {
		return false, err
	}
	if rowCount == 0 {
		return false, fmt.Errorf("%w: %q", ErrInvalidProduct, product)
	}

	staleTime := m.StaleTime()
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	taken, err := m.store.CountLiveExcluding(ctx, tx, product, staleTime, userName, ipAddress)
	if err != nil {
		return false, err
	}
	if taken >= res.Pool.TotalSeats() {
		logger.Info().
			Str("event", "seat.denied").
			Str("product", product).
			Str("user", userName).
			Int("taken", taken).
			Int("quota", res.Pool.TotalSeats()).
			Msg("no seat available")
		return false, nil
	}

	licenceID, err := m.pickLicence(ctx, tx, res.Pool, staleTime, userName, ipAddress)
	if err != nil {
		return false, err
	}

	if err := m.store.UpsertConnection(ctx, tx, product, userName, ipAddress, host, now, licenceID); err != nil {
		return false, err
	}
	if err := m.store.TouchConnection(ctx, tx, product, userName, ipAddress, host, now, licenceID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	logger.Info().
		Str("event", "seat.taken").
		Str("product", product).
		Str("user", userName).
		Str("ip", ipAddress).
		Msg("seat taken")
	return true, nil
}

// pickLicence chooses which admitted licence a new seat is billed
// against. The pool is already sorted perpetual-first then seats
// ascending; the first candidate with headroom wins, and when none has
// any the head of the sort order takes the overflow.
func (m *Manager) pickLicence(ctx context.Context, q store.Querier, pool *Pool, staleTime time.Time, userName, ipAddress string) (*int64, error) {
	seats := pool.Seats()
	if len(seats) == 0 {
		return nil, nil
	}
	chosen := seats[0].LicenceID
	if len(seats) > 1 {
		for _, ls := range seats {
			taken, err := m.store.CountLiveForLicence(ctx, q, ls.LicenceID, staleTime, userName, ipAddress)
			if err != nil {
				return nil, err
			}
			if taken < ls.Seats {
				chosen = ls.LicenceID
				break
			}
		}
	}
	return &chosen, nil
}

// RefreshSeat touches the requester's connection row, creating it if it
// does not exist. This is deliberately a touch rather than a policy
// check: a stale connection refreshed before reaping is revived.
func (m *Manager) RefreshSeat(ctx context.Context, product, ipAddress, userName, host string) error {
	if err := requireArgs(map[string]string{
		"product": product, "ipAddress": ipAddress, "userName": userName, "host": host,
	}); err != nil {
		return err
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := m.store.UpsertConnection(ctx, tx, product, userName, ipAddress, host, now, nil); err != nil {
		return err
	}
	if err := m.store.RefreshConnection(ctx, tx, product, userName, ipAddress, now); err != nil {
		return err
	}
	return tx.Commit()
}

// ReleaseSeat deletes the requester's connection row. It reports true
// whenever the delete executed, whether or not a row matched.
func (m *Manager) ReleaseSeat(ctx context.Context, product, ipAddress, userName string) (bool, error) {
	if err := requireArgs(map[string]string{
		"product": product, "ipAddress": ipAddress, "userName": userName,
	}); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.DeleteConnection(ctx, product, userName, ipAddress); err != nil {
		return false, err
	}
	logger := log.WithComponent("seat")
	logger.Info().
		Str("event", "seat.released").
		Str("product", product).
		Str("user", userName).
		Str("ip", ipAddress).
		Msg("seat released")
	return true, nil
}

// GetConnections returns the live connections for the product.
func (m *Manager) GetConnections(ctx context.Context, product string) ([]ConnectionView, error) {
	if err := requireArgs(map[string]string{"product": product}); err != nil {
		return nil, err
	}
	conns, err := m.store.LiveConnections(ctx, product, m.StaleTime())
	if err != nil {
		return nil, err
	}
	out := make([]ConnectionView, 0, len(conns))
	for _, c := range conns {
		out = append(out, ConnectionView{
			User:       c.UserName,
			Host:       c.MachineName,
			IP:         c.IPAddress,
			LogonTime:  c.LogonTime,
			UpdateTime: c.UpdateTime,
		})
	}
	return out, nil
}

// GetProducts returns the distinct products in the licence table.
func (m *Manager) GetProducts(ctx context.Context) ([]string, error) {
	return m.store.Products(ctx)
}

// TotalSeats returns the product's seat quota: the seat sum over the
// admitted set, zero when licences exist but none is currently active.
func (m *Manager) TotalSeats(ctx context.Context, product string) (int, error) {
	if err := requireArgs(map[string]string{"product": product}); err != nil {
		return 0, err
	}
	res, rowCount, err := m.buildPool(ctx, product)
	if err != nil {
		return 0, err
	}
	if rowCount == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidProduct, product)
	}
	return res.Pool.TotalSeats(), nil
}

// GetLicenceDetails returns the headline licence view for the product.
// The representative date is the latest expiry among admitted term
// licences when no perpetual licence is admitted; when the quota is
// zero (every licence expired) it is the latest expiry over all rows;
// otherwise it is unset.
func (m *Manager) GetLicenceDetails(ctx context.Context, product string) (LicenceView, error) {
	if err := requireArgs(map[string]string{"product": product}); err != nil {
		return LicenceView{}, err
	}
	res, _, err := m.buildPool(ctx, product)
	if err != nil {
		return LicenceView{}, err
	}
	if res.Newest == nil {
		return LicenceView{}, fmt.Errorf("%w: %q", ErrInvalidProduct, product)
	}

	view := LicenceView{
		Company:       res.Newest.Company,
		Product:       res.Newest.Product,
		Customer:      res.Newest.Customer,
		Ref:           res.Newest.Reference,
		Reseller:      res.Newest.Reseller,
		NumberOfSeats: res.Pool.TotalSeats(),
	}
	if !res.Pool.HasPerpetual() && !res.LatestTermExpiry.IsZero() {
		view.Date = res.LatestTermExpiry
	}
	if view.NumberOfSeats == 0 {
		view.Date = res.LatestExpiry
	}
	return view, nil
}

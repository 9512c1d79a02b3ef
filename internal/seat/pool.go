// Package seat implements the seat-accounting engine: the admitted
// licence pool per product, the seat allocation policy and the public
// seat manager operations.
package seat

import (
	"sort"
	"time"

	"github.com/altia/nlserv/internal/licence"
	"github.com/altia/nlserv/internal/log"
)

// LicenceSeat is one admitted licence's contribution to a product pool.
type LicenceSeat struct {
	LicenceID int64
	Seats     int
	Perpetual bool
}

// Pool is the admitted licence set for one product. Each Pool owns its
// own slice; pools are built per request and never shared.
type Pool struct {
	seats []LicenceSeat
}

// Add appends a licence to the pool.
func (p *Pool) Add(ls LicenceSeat) {
	p.seats = append(p.seats, ls)
}

// Seats returns the pool entries in their current order.
func (p *Pool) Seats() []LicenceSeat {
	return p.seats
}

// HasPerpetual reports whether the pool holds a perpetual licence.
func (p *Pool) HasPerpetual() bool {
	for _, ls := range p.seats {
		if ls.Perpetual {
			return true
		}
	}
	return false
}

// TotalSeats is the seat quota: the sum of seats over the admitted set.
func (p *Pool) TotalSeats() int {
	total := 0
	for _, ls := range p.seats {
		total += ls.Seats
	}
	return total
}

// Sort orders the pool for seat assignment: perpetual licences first,
// then term licences ascending by seat count. The sort is stable so
// equal keys keep their admission order (newest timestamp first).
func (p *Pool) Sort() {
	key := func(ls LicenceSeat) int {
		if ls.Perpetual {
			return -1
		}
		return ls.Seats
	}
	sort.SliceStable(p.seats, func(i, j int) bool {
		return key(p.seats[i]) < key(p.seats[j])
	})
}

// Admission builds the admitted pool for a product from its licence
// rows.
type Admission struct {
	Verifier *licence.Verifier
	// DoubleValidation re-verifies each row's signature when reading it
	// back from the store. Rows that fail are skipped.
	DoubleValidation bool
}

// Result carries the admitted pool plus the headline facts the licence
// detail view needs.
type Result struct {
	Pool *Pool

	// Newest is the newest row that passed verification, the identity
	// source for GetLicenceDetails. Nil when nothing verified.
	Newest *licence.Licence

	// LatestExpiry is the latest expiry date over all verified rows,
	// inside their window or not. Zero when no verified row has one.
	LatestExpiry time.Time

	// LatestTermExpiry is the latest expiry date over admitted term
	// licences. Zero when the admitted set has no term licence.
	LatestTermExpiry time.Time
}

// Build runs the admission pipeline over rows, which must be ordered
// newest timestamp first: optional re-verification, the date window
// check, and perpetual dedup (only the first perpetual encountered is
// admitted).
func (a Admission) Build(rows []*licence.Licence, now time.Time) Result {
	logger := log.WithComponent("seatpool")
	res := Result{Pool: &Pool{}}

	for _, row := range rows {
		if a.DoubleValidation {
			if !a.Verifier.VerifyLicence(row) {
				logger.Warn().
					Str("event", "licence.reverify_failed").
					Int64("licence_id", row.ID).
					Msg("licence not verified")
				continue
			}
		}
		if res.Newest == nil {
			res.Newest = row
		}
		if row.Expiry != "" {
			if expiry, err := licence.ParseDate(row.Expiry); err == nil && expiry.After(res.LatestExpiry) {
				res.LatestExpiry = expiry
			}
		}
		if !row.InDateWindow(now) {
			logger.Debug().
				Str("event", "licence.inactive").
				Int64("licence_id", row.ID).
				Msg("licence outside its date window")
			continue
		}
		if row.IsPerpetual() {
			if !res.Pool.HasPerpetual() {
				res.Pool.Add(LicenceSeat{LicenceID: row.ID, Seats: row.Seats, Perpetual: true})
			}
			continue
		}
		res.Pool.Add(LicenceSeat{LicenceID: row.ID, Seats: row.Seats})
		if expiry, err := licence.ParseDate(row.Expiry); err == nil && expiry.After(res.LatestTermExpiry) {
			res.LatestTermExpiry = expiry
		}
	}
	return res
}

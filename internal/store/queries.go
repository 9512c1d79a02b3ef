package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/altia/nlserv/internal/licence"
)

// Connection is a live seat held by a (product, user, ip) tuple.
type Connection struct {
	ID          int64
	Product     string
	UserName    string
	IPAddress   string
	MachineName string
	LogonTime   time.Time
	UpdateTime  time.Time
	LicenceRef  *int64
}

// InsertLicence inserts a licence row unless one with the same
// timestamp already exists.
func (s *Store) InsertLicence(ctx context.Context, l *licence.Licence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO licence
			(company, product, customer, reference, reseller, seats,
			 start_date, expiry_date, timestamp, code, version, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.Company, l.Product, l.Customer,
		nullable(l.Reference), nullable(l.Reseller), l.Seats,
		nullable(l.StartDate), nullable(l.Expiry),
		l.TimeStamp, l.Code, l.Version, nullable(l.Notes),
	)
	if err != nil {
		return fmt.Errorf("insert licence %d: %w", l.TimeStamp, err)
	}
	return nil
}

// DeleteLicencesNotIn removes every licence row whose timestamp is not
// in keep; bound connections go with them via the cascade. An empty
// keep set clears the table.
func (s *Store) DeleteLicencesNotIn(ctx context.Context, keep []int64) (int64, error) {
	query := `DELETE FROM licence`
	args := make([]any, 0, len(keep))
	if len(keep) > 0 {
		placeholders := strings.Repeat("?,", len(keep))
		query += ` WHERE timestamp NOT IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, ts := range keep {
			args = append(args, ts)
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete licences: %w", err)
	}
	return res.RowsAffected()
}

// LicencesForProduct returns every licence row for the product, newest
// timestamp first.
func (s *Store) LicencesForProduct(ctx context.Context, product string) ([]*licence.Licence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, company, product, customer, reference, reseller, seats,
		       start_date, expiry_date, timestamp, code, version, notes
		FROM licence
		WHERE product = ? COLLATE NOCASE
		ORDER BY timestamp DESC`,
		strings.ToLower(product),
	)
	if err != nil {
		return nil, fmt.Errorf("licences for %q: %w", product, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*licence.Licence
	for rows.Next() {
		var l licence.Licence
		var reference, reseller, start, expiry, notes sql.NullString
		if err := rows.Scan(&l.ID, &l.Company, &l.Product, &l.Customer,
			&reference, &reseller, &l.Seats, &start, &expiry,
			&l.TimeStamp, &l.Code, &l.Version, &notes); err != nil {
			return nil, err
		}
		l.Reference = reference.String
		l.Reseller = reseller.String
		l.StartDate = start.String
		l.Expiry = expiry.String
		l.Notes = notes.String
		out = append(out, &l)
	}
	return out, rows.Err()
}

// Products returns the distinct product names in the licence table,
// ascending by code point.
func (s *Store) Products(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product FROM licence GROUP BY product ORDER BY product ASC`)
	if err != nil {
		return nil, fmt.Errorf("products: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LiveConnections returns the connections for the product whose update
// time is newer than since.
func (s *Store) LiveConnections(ctx context.Context, product string, since time.Time) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product, user, ip, host, logon_time, update_time, licence_id
		FROM connection
		WHERE product = ? COLLATE NOCASE AND update_time > ?
		ORDER BY logon_time`,
		strings.ToLower(product), since.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("connections for %q: %w", product, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Connection
	for rows.Next() {
		var c Connection
		var logon, update int64
		var ref sql.NullInt64
		if err := rows.Scan(&c.ID, &c.Product, &c.UserName, &c.IPAddress,
			&c.MachineName, &logon, &update, &ref); err != nil {
			return nil, err
		}
		c.LogonTime = time.Unix(0, logon)
		c.UpdateTime = time.Unix(0, update)
		if ref.Valid {
			v := ref.Int64
			c.LicenceRef = &v
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountLiveExcluding counts live connections for the product, leaving
// out any row already belonging to the requesting (user, ip) pair.
func (s *Store) CountLiveExcluding(ctx context.Context, q Querier, product string, since time.Time, userName, ipAddress string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM connection
		WHERE (product = ? COLLATE NOCASE AND update_time > ?)
		AND NOT (user = ? AND ip = ?)`,
		strings.ToLower(product), since.UnixNano(), userName, ipAddress,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count live for %q: %w", product, err)
	}
	return n, nil
}

// CountLiveForLicence counts live connections billed against one
// licence, leaving out the requester's own row.
func (s *Store) CountLiveForLicence(ctx context.Context, q Querier, licenceID int64, since time.Time, userName, ipAddress string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM connection
		WHERE (licence_id = ? AND update_time > ?)
		AND NOT (user = ? AND ip = ?)`,
		licenceID, since.UnixNano(), userName, ipAddress,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count live for licence %d: %w", licenceID, err)
	}
	return n, nil
}

// UpsertConnection inserts a connection row for the triple if none
// exists; an existing row is left untouched.
func (s *Store) UpsertConnection(ctx context.Context, q Querier, product, userName, ipAddress, machineName string, now time.Time, licenceRef *int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO connection
			(product, user, ip, host, logon_time, update_time, licence_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		strings.ToLower(product), userName, ipAddress, machineName,
		now.UnixNano(), now.UnixNano(), refValue(licenceRef),
	)
	if err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}
	return nil
}

// TouchConnection updates host, update time and licence binding for the
// triple's row.
func (s *Store) TouchConnection(ctx context.Context, q Querier, product, userName, ipAddress, machineName string, now time.Time, licenceRef *int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE connection
		SET host = ?, update_time = ?, licence_id = ?
		WHERE product = ? COLLATE NOCASE AND user = ? AND ip = ?`,
		machineName, now.UnixNano(), refValue(licenceRef),
		strings.ToLower(product), userName, ipAddress,
	)
	if err != nil {
		return fmt.Errorf("touch connection: %w", err)
	}
	return nil
}

// RefreshConnection bumps the update time for the triple's row.
func (s *Store) RefreshConnection(ctx context.Context, q Querier, product, userName, ipAddress string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE connection SET update_time = ?
		WHERE product = ? COLLATE NOCASE AND user = ? AND ip = ?`,
		now.UnixNano(), strings.ToLower(product), userName, ipAddress,
	)
	if err != nil {
		return fmt.Errorf("refresh connection: %w", err)
	}
	return nil
}

// DeleteConnection removes the triple's row. Deleting a row that is not
// there is not an error.
func (s *Store) DeleteConnection(ctx context.Context, product, userName, ipAddress string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM connection
		WHERE product = ? COLLATE NOCASE AND user = ? AND ip = ?`,
		strings.ToLower(product), userName, ipAddress,
	)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return nil
}

// DeleteStaleConnections removes every connection whose update time is
// older than since and returns how many went.
func (s *Store) DeleteStaleConnections(ctx context.Context, since time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM connection WHERE update_time < ?`,
		since.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete stale connections: %w", err)
	}
	return res.RowsAffected()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func refValue(ref *int64) any {
	if ref == nil {
		return nil
	}
	return *ref
}

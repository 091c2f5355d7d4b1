package db

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/flakehunter/ciscan/internal/scanerrors"
)

// isNoRows reports whether err is sql.ErrNoRows, the sentinel sqlx.Get
// returns for an empty result set.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// wrapErr classifies a raw database/sql error into a *scanerrors.PersistenceError,
// marking every SQLSTATE class 23 integrity constraint violation (unique,
// primary key, foreign key, not-null, check) as a constraint error and
// everything else (connectivity, abort the batch) as not.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23": // integrity_constraint_violation
			return scanerrors.NewPersistenceError(op, true, err)
		}
	}
	return scanerrors.NewPersistenceError(op, false, err)
}

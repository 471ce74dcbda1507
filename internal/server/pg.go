package server

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// pgBeginner is the slice of pgxpool.Pool the stores need. Tests swap in
// a stub transaction without a live database.
type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Memory stores report missing rows the same way pgx does so the
// handler layer maps both to 404.
var errNotFoundRow = pgx.ErrNoRows

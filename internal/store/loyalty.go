package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const getAward = `
SELECT id, user_id, ref, source, amount, created_at
FROM awards WHERE user_id = $1 AND ref = $2 AND source = $3
`

// GetAwardParams identify one loyalty ledger row.
type GetAwardParams struct {
	UserID pgtype.UUID
	Ref    string
	Source string
}

func (q *Queries) GetAward(ctx context.Context, arg GetAwardParams) (Award, error) {
	var a Award
	err := q.db.QueryRow(ctx, getAward, arg.UserID, arg.Ref, arg.Source).Scan(
		&a.ID, &a.UserID, &a.Ref, &a.Source, &a.Amount, &a.CreatedAt)
	return a, err
}

const insertAward = `
INSERT INTO awards (user_id, ref, source, amount) VALUES ($1,$2,$3,$4)
`

// InsertAwardParams mirrors the awards insert columns. The table carries a
// unique index on (user_id, ref, source).
type InsertAwardParams struct {
	UserID pgtype.UUID
	Ref    string
	Source string
	Amount int64
}

func (q *Queries) InsertAward(ctx context.Context, arg InsertAwardParams) error {
	_, err := q.db.Exec(ctx, insertAward, arg.UserID, arg.Ref, arg.Source, arg.Amount)
	return err
}

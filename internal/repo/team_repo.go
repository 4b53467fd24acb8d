package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TeamRepo — чтение команд для ответов на проверку team id.
type TeamRepo struct {
	pool *pgxpool.Pool
}

// NewTeamRepo создаёт новый TeamRepo.
func NewTeamRepo(pool *pgxpool.Pool) *TeamRepo {
	return &TeamRepo{pool: pool}
}

// Exists проверяет, что команда с таким id существует.
func (r *TeamRepo) Exists(ctx context.Context, id int64) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM teams WHERE id = $1)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("query team %d: %w", id, err)
	}
	return exists, nil
}

package exceptions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loanserve/engine/internal/postgres"
)

// Open creates a new case in state open and returns it.
func Open(ctx context.Context, q postgres.Querier, c Case) (*Case, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.State = CaseOpen
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt

	_, err := q.Exec(ctx, `
		INSERT INTO exception_cases
			(id, ingestion_id, payment_id, category, subcategory, severity,
			 state, assignee, ai_recommendation, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		c.ID, c.IngestionID, c.PaymentID, c.Category, c.Subcategory, c.Severity,
		c.State, c.Assignee, c.AIRecommendation, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("exceptions: open case: %w", err)
	}
	return &c, nil
}

// Get loads one case by id.
func Get(ctx context.Context, q postgres.Querier, id string) (*Case, error) {
	var c Case
	err := q.QueryRow(ctx, selectCase+` WHERE id = $1`, id).
		Scan(&c.ID, &c.IngestionID, &c.PaymentID, &c.Category, &c.Subcategory,
			&c.Severity, &c.State, &c.Assignee, &c.AIRecommendation,
			&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("exceptions: get %s: %w", id, err)
	}
	return &c, nil
}

// List returns cases filtered by state ("" for all), newest first.
func List(ctx context.Context, q postgres.Querier, state CaseState, limit int) ([]Case, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.Query(ctx, selectCase+`
		WHERE ($1 = '' OR state = $1)
		ORDER BY created_at DESC
		LIMIT $2`, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("exceptions: list: %w", err)
	}
	defer rows.Close()

	var cases []Case
	for rows.Next() {
		var c Case
		if err := rows.Scan(&c.ID, &c.IngestionID, &c.PaymentID, &c.Category,
			&c.Subcategory, &c.Severity, &c.State, &c.Assignee,
			&c.AIRecommendation, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("exceptions: scan: %w", err)
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// Assign hands a case to an operator and moves it to pending.
func Assign(ctx context.Context, q postgres.Querier, id, assignee string) error {
	return setState(ctx, q, id, CasePending, assignee)
}

// Resolve closes a case as resolved.
func Resolve(ctx context.Context, q postgres.Querier, id string) error {
	return setState(ctx, q, id, CaseResolved, "")
}

// Cancel closes a case as cancelled.
func Cancel(ctx context.Context, q postgres.Querier, id string) error {
	return setState(ctx, q, id, CaseCancelled, "")
}

func setState(ctx context.Context, q postgres.Querier, id string, state CaseState, assignee string) error {
	sql := `UPDATE exception_cases SET state = $2, updated_at = $3 WHERE id = $1`
	args := []any{id, state, time.Now().UTC()}
	if assignee != "" {
		sql = `UPDATE exception_cases SET state = $2, updated_at = $3, assignee = $4 WHERE id = $1`
		args = append(args, assignee)
	}

	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("exceptions: set state %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const selectCase = `
	SELECT id, COALESCE(ingestion_id,''), COALESCE(payment_id,''), category,
	       subcategory, severity, state, COALESCE(assignee,''),
	       COALESCE(ai_recommendation,''), created_at, updated_at
	FROM exception_cases`

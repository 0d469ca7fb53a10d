// Package microbatch runs repeated INSERT/DELETE statements against a
// [database/sql] transaction, preparing each distinct statement once and
// reusing it for every row.
//
// This is a database/sql rewrite of the teacher's pgx.Batch/pgx.Tx-based
// microbatcher: each queued statement is executed immediately against a
// cached *sql.Stmt instead of being folded into a single pipelined batch,
// since database/sql has no batch-protocol equivalent to pgx.Batch. Rows are
// not held back and flushed at a batch size; there is one round trip per row.
package microbatch

import (
	"context"
	"database/sql"
	"fmt"
)

// Insert executes statements within a transaction, caching one prepared
// statement per distinct query text. Each Queue call executes at once.
type Insert struct {
	tx        *sql.Tx
	batchSize int

	stmts map[string]*sql.Stmt
	queued int
}

// NewInsert returns a microbatcher bound to tx. batchSize is stored
// (values <= 0 become 1) but does not defer execution: every Queue call
// executes immediately.
func NewInsert(tx *sql.Tx, batchSize int) *Insert {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Insert{tx: tx, batchSize: batchSize, stmts: make(map[string]*sql.Stmt)}
}

// Queue executes query with args, preparing and caching the statement on
// first use. "Batching" here means only that statement preparation is
// shared across calls with identical query text; database/sql offers no
// batched-round-trip primitive to defer the Exec itself.
func (b *Insert) Queue(ctx context.Context, query string, args ...any) error {
	stmt, ok := b.stmts[query]
	if !ok {
		s, err := b.tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("microbatch: preparing statement: %w", err)
		}
		b.stmts[query] = s
		stmt = s
	}
	if _, err := stmt.ExecContext(ctx, args...); err != nil {
		return fmt.Errorf("microbatch: exec: %w", err)
	}
	b.queued++
	return nil
}

// Done closes every prepared statement. Callers still commit or roll back
// the underlying transaction themselves.
func (b *Insert) Done() error {
	var firstErr error
	for _, s := range b.stmts {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

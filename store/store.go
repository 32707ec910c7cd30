// Package store implements the engine repositories on GORM/Postgres.
package store

import (
	"errors"

	"gorm.io/gorm"
	"loumass/engine"
)

// notFound maps gorm's missing-record error onto the engine sentinel.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return engine.ErrNotFound
	}
	return err
}

// incrementColumns turns column deltas into "col = col + n" expressions.
func incrementColumns(fields map[string]int) map[string]interface{} {
	updates := make(map[string]interface{}, len(fields))
	for column, delta := range fields {
		updates[column] = gorm.Expr(column+" + ?", delta)
	}
	return updates
}

package db

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	serialization := fmt.Errorf("commit: %w", &pgconn.PgError{Code: CodeSerializationFailure})
	assert.True(t, IsTransient(serialization))
	assert.True(t, IsTransient(&pgconn.PgError{Code: CodeDeadlockDetected}))
	assert.False(t, IsTransient(&pgconn.PgError{Code: CodeExclusionViolation}))
	assert.True(t, HasCode(fmt.Errorf("insert: %w", &pgconn.PgError{Code: CodeExclusionViolation}), CodeExclusionViolation))
	assert.True(t, IsNotFound(fmt.Errorf("load: %w", pgx.ErrNoRows)))
	assert.False(t, IsTransient(nil))
}

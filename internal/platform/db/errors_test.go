package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestConflictClassification(t *testing.T) {
	serialization := fmt.Errorf("upsert grant: %w", &pgconn.PgError{Code: CodeSerializationFailure})
	require.True(t, IsConflict(serialization))
	require.False(t, IsUniqueViolation(serialization))

	unique := &pgconn.PgError{Code: CodeUniqueViolation}
	require.True(t, IsConflict(unique))
	require.True(t, IsUniqueViolation(unique))

	require.False(t, IsConflict(&pgconn.PgError{Code: "42P01"}))
	require.False(t, IsConflict(errors.New("connection reset")))
	require.False(t, IsConflict(nil))
}

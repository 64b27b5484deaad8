package postgres

import (
	"errors"
	"fmt"
	"testing"

	"qms/checkin-service/internal/store"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		conflict bool
	}{
		{name: "serialization", err: &pgconn.PgError{Code: "40001"}, conflict: true},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, conflict: true},
		{name: "wrapped unique", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), conflict: true},
		{name: "syntax", err: &pgconn.PgError{Code: "42601"}, conflict: false},
		{name: "plain", err: errors.New("boom"), conflict: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapError(tc.err)
			if errors.Is(got, store.ErrConflict) != tc.conflict {
				t.Fatalf("mapError(%v) = %v, conflict expected %v", tc.err, got, tc.conflict)
			}
		})
	}
}

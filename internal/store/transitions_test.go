package store

import (
	"errors"
	"testing"

	"qms/checkin-service/internal/models"
)

func TestTransition(t *testing.T) {
	cases := []struct {
		action Action
		from   models.Status
		want   models.Status
		valid  bool
	}{
		{ActionLeave, models.StatusWaiting, models.StatusLeftManually, true},
		{ActionComplete, models.StatusWaiting, models.StatusCompleted, true},
		{ActionAbandon, models.StatusWaiting, models.StatusAbandoned, true},
		{ActionLeave, models.StatusAbandoned, "", false},
		{ActionComplete, models.StatusCompleted, "", false},
		{ActionAbandon, models.StatusLeftManually, "", false},
		{Action("teleport"), models.StatusWaiting, "", false},
	}

	for _, tt := range cases {
		got, err := Transition(tt.action, tt.from)
		if tt.valid {
			if err != nil || got != tt.want {
				t.Fatalf("Transition(%q, %q)=%q,%v want %q", tt.action, tt.from, got, err, tt.want)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("Transition(%q, %q) expected ErrInvalidState, got %v", tt.action, tt.from, err)
		}
	}
}

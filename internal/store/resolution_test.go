package store

import (
	"testing"
	"time"

	"qms/checkin-service/internal/models"
)

var testPolicy = DuplicatePolicy{HardAbandon: 40 * time.Minute, RescanPenalty: 15 * time.Minute}

func waitingTicket(id string, number int, created, lastActive time.Time, token string) models.Ticket {
	return models.Ticket{
		TicketID:    id,
		QueueNumber: number,
		Status:      models.StatusWaiting,
		CreatedAt:   created,
		LastActive:  lastActive,
		TokenUsed:   token,
	}
}

func TestResolveDuplicatesNoExisting(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	got := ResolveDuplicates(nil, "secure-1", now, testPolicy)
	if got.Resume != nil || len(got.Abandon) != 0 || got.Outcome != OutcomeIssued {
		t.Fatalf("unexpected decision %+v", got)
	}
}

func TestResolveDuplicatesIgnoresTerminal(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	done := waitingTicket("t1", 1, now.Add(-time.Minute), now, "secure-1")
	done.Status = models.StatusCompleted
	got := ResolveDuplicates([]models.Ticket{done}, "secure-1", now, testPolicy)
	if got.Outcome != OutcomeIssued || got.Resume != nil {
		t.Fatalf("expected fresh issue, got %+v", got)
	}
}

func TestResolveDuplicatesSameTokenResumes(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 10, 0, time.UTC)
	existing := waitingTicket("t5", 5, now.Add(-10*time.Second), now.Add(-10*time.Second), "secure-1000")
	got := ResolveDuplicates([]models.Ticket{existing}, "secure-1000", now, testPolicy)
	if got.Resume == nil || got.Resume.TicketID != "t5" || got.Resume.QueueNumber != 5 {
		t.Fatalf("expected resume of t5, got %+v", got)
	}
	if !got.Resume.LastActive.Equal(now) {
		t.Fatalf("expected lastActive refreshed")
	}
	if len(got.Abandon) != 0 {
		t.Fatalf("expected nothing abandoned")
	}
}

func TestResolveDuplicatesRescanWithinPenalty(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 10, 0, 0, time.UTC)
	existing := waitingTicket("t5", 5, now.Add(-10*time.Minute), now.Add(-time.Minute), "secure-1000")
	got := ResolveDuplicates([]models.Ticket{existing}, "secure-1020", now, testPolicy)
	if got.Resume != nil || got.Outcome != OutcomeReissuedRescan || got.Reason != models.ReasonRescan {
		t.Fatalf("expected rescan reissue, got %+v", got)
	}
	if len(got.Abandon) != 1 || got.Abandon[0].TicketID != "t5" {
		t.Fatalf("expected t5 abandoned, got %+v", got.Abandon)
	}
}

func TestResolveDuplicatesRescanAfterPenaltyResumes(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 20, 0, 0, time.UTC)
	existing := waitingTicket("t5", 5, now.Add(-20*time.Minute), now.Add(-2*time.Minute), "secure-1000")
	got := ResolveDuplicates([]models.Ticket{existing}, "secure-1040", now, testPolicy)
	if got.Resume == nil || got.Resume.TokenUsed != "secure-1040" {
		t.Fatalf("expected resume with new token, got %+v", got)
	}
}

func TestResolveDuplicatesHardAbandon(t *testing.T) {
	now := time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC)
	existing := waitingTicket("t5", 5, now.Add(-2*time.Hour), now.Add(-41*time.Minute), "secure-1000")
	got := ResolveDuplicates([]models.Ticket{existing}, "secure-1000", now, testPolicy)
	if got.Outcome != OutcomeReissuedAfterIdle || got.Reason != models.ReasonTimeout || len(got.Abandon) != 1 {
		t.Fatalf("expected timeout reissue, got %+v", got)
	}
}

func TestResolveDuplicatesCollapsesExtraMatches(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	older := waitingTicket("t2", 2, now.Add(-30*time.Minute), now.Add(-time.Minute), "secure-1")
	newer := waitingTicket("t7", 7, now.Add(-20*time.Minute), now.Add(-time.Minute), "secure-9")
	got := ResolveDuplicates([]models.Ticket{older, newer}, "secure-9", now, testPolicy)
	if got.Resume == nil || got.Resume.TicketID != "t7" {
		t.Fatalf("expected newest ticket resumed, got %+v", got)
	}
	if len(got.Abandon) != 1 || got.Abandon[0].TicketID != "t2" {
		t.Fatalf("expected older duplicate abandoned, got %+v", got.Abandon)
	}
}

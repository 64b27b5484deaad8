package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"qms/checkin-service/internal/models"
	"qms/checkin-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ticketColumns = `ticket_id, location_id, queue_number, day, identity, device_id, status, end_reason,
	created_at, last_active, checkout_time, ended_at, token_used, lat, lon, accuracy, position_at`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) CheckIn(ctx context.Context, input store.CheckInInput) (result store.CheckInResult, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return store.CheckInResult{}, mapError(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			err = mapError(err)
		}
	}()

	existing, err := lockOpenTickets(ctx, tx, input)
	if err != nil {
		return store.CheckInResult{}, err
	}
	decision := store.ResolveDuplicates(existing, input.Token, input.Now, input.Policy)
	result.Outcome = decision.Outcome

	for _, victim := range decision.Abandon {
		ended, err := endTicket(ctx, tx, victim, models.StatusAbandoned, decision.Reason, input.Now, false)
		if err != nil {
			return store.CheckInResult{}, err
		}
		result.Abandoned = append(result.Abandoned, ended.TicketID)
	}

	if decision.Resume != nil {
		row := tx.QueryRow(ctx, `
			UPDATE tickets
			SET last_active = $2, token_used = $3
			WHERE ticket_id = $1
			RETURNING `+ticketColumns, decision.Resume.TicketID, input.Now, input.Token)
		ticket, err := scanTicket(row)
		if err != nil {
			return store.CheckInResult{}, err
		}
		if err = recordEvent(ctx, tx, ticket, store.EventTicketResumed, input.Now); err != nil {
			return store.CheckInResult{}, err
		}
		if err = tx.Commit(ctx); err != nil {
			return store.CheckInResult{}, err
		}
		result.Ticket = ticket
		return result, nil
	}

	next, err := nextQueueNumber(ctx, tx, input.LocationID, input.Day)
	if err != nil {
		return store.CheckInResult{}, err
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_id, location_id, queue_number, day, identity, device_id, status, end_reason,
			created_at, last_active, token_used, lat, lon, accuracy, position_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,'',$8,$8,$9,$10,$11,$12,$13)
		RETURNING `+ticketColumns,
		uuid.NewString(), input.LocationID, next, string(input.Day), input.Identity, input.DeviceID,
		string(models.StatusWaiting), input.Now, input.Token,
		input.Position.Lat, input.Position.Lon, input.Position.Accuracy, nullTime(input.Position.At))
	ticket, err := scanTicket(row)
	if err != nil {
		return store.CheckInResult{}, err
	}
	if err = recordEvent(ctx, tx, ticket, store.EventTicketIssued, input.Now); err != nil {
		return store.CheckInResult{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return store.CheckInResult{}, err
	}
	result.Ticket = ticket
	return result, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListTickets(ctx context.Context, locationID string, day models.Day) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE location_id = $1 AND day = $2
		ORDER BY queue_number ASC
	`, locationID, string(day))
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

func (s *Store) ListDayTickets(ctx context.Context, day models.Day) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE day = $1
		ORDER BY location_id ASC, queue_number ASC
	`, string(day))
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

func (s *Store) Touch(ctx context.Context, ticketID string, at time.Time, position *models.Position) (models.Ticket, error) {
	var lat, lon, accuracy interface{}
	var positionAt interface{}
	if position != nil {
		lat, lon, accuracy = position.Lat, position.Lon, position.Accuracy
		positionAt = nullTime(position.At)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE tickets
		SET last_active = GREATEST(last_active, $2),
			lat = COALESCE($3, lat),
			lon = COALESCE($4, lon),
			accuracy = COALESCE($5, accuracy),
			position_at = COALESCE($6, position_at)
		WHERE ticket_id = $1 AND status = 'waiting'
		RETURNING `+ticketColumns, ticketID, at, lat, lon, accuracy, positionAt)
	ticket, err := scanTicket(row)
	if err == nil {
		return ticket, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return s.GetTicket(ctx, ticketID)
	}
	return models.Ticket{}, err
}

func (s *Store) EndTicket(ctx context.Context, input store.EndTicketInput) (ticket models.Ticket, changed bool, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1 FOR UPDATE`, input.TicketID)
	current, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, store.ErrTicketNotFound
		}
		return models.Ticket{}, false, err
	}

	to, transitionErr := store.Transition(input.Action, current.Status)
	if transitionErr != nil {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		if input.Action == store.ActionAbandon && current.Status == models.StatusAbandoned {
			return current, false, nil
		}
		return current, false, transitionErr
	}

	ticket, err = endTicket(ctx, tx, current, to, input.Reason, input.At, input.Action.SetsCheckout())
	if err != nil {
		return models.Ticket{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) SweepInactive(ctx context.Context, cutoff, at time.Time, batchSize int) (swept int, err error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE status = 'waiting' AND last_active < $1
		ORDER BY last_active ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	stale, err := collectTickets(rows)
	if err != nil {
		return 0, err
	}

	for _, ticket := range stale {
		if _, err = endTicket(ctx, tx, ticket, models.StatusAbandoned, models.ReasonTimeout, at, false); err != nil {
			return 0, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(stale), nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	if _, err := s.GetTicket(ctx, ticketID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		var payload []byte
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = json.RawMessage(payload)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT seq, event_id::text, location_id, type, payload_json, created_at
		FROM outbox_events
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2
	`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		var payload []byte
		if err := rows.Scan(&event.Seq, &event.EventID, &event.LocationID, &event.Type, &payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Payload = json.RawMessage(payload)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) GetRelayOffset(ctx context.Context) (int64, error) {
	var seq int64
	row := s.pool.QueryRow(ctx, `
		SELECT last_seq
		FROM relay_offsets
		WHERE id = 1
	`)
	if err := row.Scan(&seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return seq, nil
}

func (s *Store) UpdateRelayOffset(ctx context.Context, seq int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay_offsets (id, last_seq, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE
		SET last_seq = GREATEST(relay_offsets.last_seq, EXCLUDED.last_seq), updated_at = now()
	`, seq)
	return err
}

func (s *Store) CleanupOutbox(ctx context.Context, throughSeq int64, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM outbox_events
		WHERE seq <= $1 AND created_at < $2
	`, throughSeq, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) GetBadge(ctx context.Context, badgeID string) (models.Badge, error) {
	var badge models.Badge
	row := s.pool.QueryRow(ctx, `
		SELECT badge_id, email, fingerprint, first_seen
		FROM badges
		WHERE badge_id = $1
	`, badgeID)
	if err := row.Scan(&badge.BadgeID, &badge.Email, &badge.Fingerprint, &badge.FirstSeen); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Badge{}, store.ErrBadgeNotFound
		}
		return models.Badge{}, err
	}
	return badge, nil
}

func (s *Store) FindBadgeByEmail(ctx context.Context, email string) (models.Badge, bool, error) {
	var badge models.Badge
	row := s.pool.QueryRow(ctx, `
		SELECT badge_id, email, fingerprint, first_seen
		FROM badges
		WHERE email = $1
	`, email)
	if err := row.Scan(&badge.BadgeID, &badge.Email, &badge.Fingerprint, &badge.FirstSeen); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Badge{}, false, nil
		}
		return models.Badge{}, false, err
	}
	return badge, true, nil
}

func (s *Store) CreateBadge(ctx context.Context, badge models.Badge) (models.Badge, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO badges (badge_id, email, fingerprint, first_seen)
		VALUES ($1, $2, $3, $4)
	`, badge.BadgeID, badge.Email, badge.Fingerprint, badge.FirstSeen)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			existing, found, findErr := s.FindBadgeByEmail(ctx, badge.Email)
			if findErr == nil && found {
				return existing, store.ErrDuplicateEmail
			}
		}
		return models.Badge{}, err
	}
	return badge, nil
}

func (s *Store) GetSystemCommand(ctx context.Context) (models.SystemCommand, error) {
	var cmd models.SystemCommand
	row := s.pool.QueryRow(ctx, `SELECT force_refresh_at, updated_at FROM system_commands WHERE id = 1`)
	if err := row.Scan(&cmd.ForceRefreshAt, &cmd.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.SystemCommand{}, nil
		}
		return models.SystemCommand{}, err
	}
	return cmd, nil
}

func (s *Store) RequestRefresh(ctx context.Context, at time.Time) (cmd models.SystemCommand, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.SystemCommand{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		INSERT INTO system_commands (id, force_refresh_at, updated_at)
		VALUES (1, $1, $1)
		ON CONFLICT (id) DO UPDATE
		SET force_refresh_at = GREATEST(system_commands.force_refresh_at, EXCLUDED.force_refresh_at),
			updated_at = EXCLUDED.updated_at
		RETURNING force_refresh_at, updated_at
	`, at)
	if err = row.Scan(&cmd.ForceRefreshAt, &cmd.UpdatedAt); err != nil {
		return models.SystemCommand{}, err
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return models.SystemCommand{}, err
	}
	if err = insertOutboxEvent(ctx, tx, "", store.EventSystemRefresh, payload, at); err != nil {
		return models.SystemCommand{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.SystemCommand{}, err
	}
	return cmd, nil
}

func lockOpenTickets(ctx context.Context, tx pgx.Tx, input store.CheckInInput) ([]models.Ticket, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE location_id = $1 AND day = $2 AND status = 'waiting'
			AND ((device_id <> '' AND device_id = $3) OR (identity <> '' AND identity = $4))
		FOR UPDATE
	`, input.LocationID, string(input.Day), input.DeviceID, input.Identity)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

// nextQueueNumber advances the location's counter, restarting at 1 when the
// stored day differs from day.
func nextQueueNumber(ctx context.Context, tx pgx.Tx, locationID string, day models.Day) (int, error) {
	var storedDay string
	var count int
	row := tx.QueryRow(ctx, `SELECT day, count FROM counters WHERE location_id = $1 FOR UPDATE`, locationID)
	if err := row.Scan(&storedDay, &count); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	next := 1
	if storedDay == string(day) {
		next = count + 1
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO counters (location_id, day, count)
		VALUES ($1, $2, $3)
		ON CONFLICT (location_id) DO UPDATE SET day = EXCLUDED.day, count = EXCLUDED.count
	`, locationID, string(day), next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

func endTicket(ctx context.Context, tx pgx.Tx, ticket models.Ticket, to models.Status, reason models.EndReason, at time.Time, checkout bool) (models.Ticket, error) {
	var checkoutAt interface{}
	if checkout {
		checkoutAt = at
	}
	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = $2, end_reason = $3, ended_at = $4, checkout_time = COALESCE($5, checkout_time)
		WHERE ticket_id = $1
		RETURNING `+ticketColumns, ticket.TicketID, string(to), string(reason), at, checkoutAt)
	ended, err := scanTicket(row)
	if err != nil {
		return models.Ticket{}, err
	}
	if err := recordEvent(ctx, tx, ended, store.EventTicketEnded, at); err != nil {
		return models.Ticket{}, err
	}
	return ended, nil
}

// recordEvent writes the ticket's outbox row and extends its hash chain in
// the same transaction.
func recordEvent(ctx context.Context, tx pgx.Tx, ticket models.Ticket, eventType string, at time.Time) error {
	payload, err := store.EventPayload(ticket)
	if err != nil {
		return err
	}
	if err := insertOutboxEvent(ctx, tx, ticket.LocationID, eventType, payload, at); err != nil {
		return err
	}
	return insertTicketEvent(ctx, tx, ticket.TicketID, eventType, payload, at)
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, locationID, eventType string, payload []byte, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, location_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), locationID, eventType, string(payload), at)
	return err
}

func insertTicketEvent(ctx context.Context, tx pgx.Tx, ticketID, eventType string, payload []byte, at time.Time) error {
	// timestamptz keeps microseconds; the hash must survive a round trip.
	at = at.UTC().Truncate(time.Microsecond)
	var prev *store.TicketEvent
	var last store.TicketEvent
	row := tx.QueryRow(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
		FOR UPDATE
	`, ticketID)
	err := row.Scan(&last.TicketSeq, &last.Hash)
	switch {
	case err == nil:
		prev = &last
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}

	event := store.NextTicketEvent(prev, ticketID, eventType, payload, at)
	_, err = tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.TicketID, event.TicketSeq, event.Type, string(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTicket(row rowScanner) (models.Ticket, error) {
	var ticket models.Ticket
	var day, status, reason string
	var checkoutNull, endedNull, positionAtNull sql.NullTime
	var latNull, lonNull, accuracyNull sql.NullFloat64
	if err := row.Scan(&ticket.TicketID, &ticket.LocationID, &ticket.QueueNumber, &day, &ticket.Identity, &ticket.DeviceID,
		&status, &reason, &ticket.CreatedAt, &ticket.LastActive, &checkoutNull, &endedNull, &ticket.TokenUsed,
		&latNull, &lonNull, &accuracyNull, &positionAtNull); err != nil {
		return models.Ticket{}, err
	}
	ticket.Day = models.Day(day)
	ticket.Status = models.Status(status)
	ticket.EndReason = models.EndReason(reason)
	ticket.CheckoutTime = nullTimePtr(checkoutNull)
	ticket.EndedAt = nullTimePtr(endedNull)
	if latNull.Valid && lonNull.Valid {
		ticket.Position = &models.Position{
			Lat:      latNull.Float64,
			Lon:      lonNull.Float64,
			Accuracy: accuracyNull.Float64,
		}
		if positionAtNull.Valid {
			ticket.Position.At = positionAtNull.Time
		}
	}
	return ticket, nil
}

func collectTickets(rows pgx.Rows) ([]models.Ticket, error) {
	defer rows.Close()
	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

// mapError turns serialization failures, deadlocks and lost counter races
// into store.ErrConflict so callers can retry the whole transaction.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return store.ErrConflict
		}
	}
	return err
}

func nullTime(value time.Time) interface{} {
	if value.IsZero() {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

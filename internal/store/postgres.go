// Package store persists tickets, threads, settings and customers in
// PostgreSQL.
package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/capitalize-ai/supportdesk/internal/desk"
	"github.com/capitalize-ai/supportdesk/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// EventChannel is the LISTEN/NOTIFY channel ticket events are announced on.
const EventChannel = "ticket_events"

// Postgres implements the desk collaborators on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ desk.TicketStore       = (*Postgres)(nil)
	_ desk.ThreadStore       = (*Postgres)(nil)
	_ desk.SettingsStore     = (*Postgres)(nil)
	_ desk.CustomerDirectory = (*Postgres)(nil)
	_ desk.Notifier          = (*Postgres)(nil)
	_ desk.TicketCreator     = (*Postgres)(nil)
)

// Connect opens a pool and applies pending migrations.
func Connect(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	s := &Postgres{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Pool returns the underlying pool.
func (s *Postgres) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping checks connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_version WHERE version = $1)`, version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(content)); err != nil {
				return fmt.Errorf("applying migration %d: %w", version, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, version); err != nil {
				return fmt.Errorf("recording migration %d: %w", version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

const ticketColumns = `id, organization_id, customer_id, thread_id, channel, status, subject,
	is_ai_escalated, ai_auto_reply_disabled, is_ai_processing, ai_processing_since,
	escalation_reply_count, escalation_notice_sent, is_waiting_for_new_topic_check,
	ai_confidence_score, escalation_reason, priority, category, tags, created_at, updated_at`

func scanTicket(row pgx.Row) (*model.Ticket, error) {
	var t model.Ticket
	err := row.Scan(
		&t.ID, &t.OrganizationID, &t.CustomerID, &t.ThreadID, &t.Channel, &t.Status, &t.Subject,
		&t.IsAIEscalated, &t.AIAutoReplyDisabled, &t.IsAIProcessing, &t.AIProcessingSince,
		&t.EscalationReplyCount, &t.EscalationNoticeSent, &t.IsWaitingForNewTopicCheck,
		&t.AIConfidenceScore, &t.EscalationReason, &t.Priority, &t.Category, &t.Tags, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, desk.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Get returns a ticket.
func (s *Postgres) Get(ctx context.Context, id string) (*model.Ticket, error) {
	t, err := scanTicket(s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("ticket %s: %w", id, err)
	}
	return t, nil
}

// Update applies patch in one statement.
func (s *Postgres) Update(ctx context.Context, id string, patch desk.TicketPatch) error {
	query, args := buildUpdate(id, desk.Guard{}, patch)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating ticket %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ticket %s: %w", id, desk.ErrNotFound)
	}
	return nil
}

// UpdateIf applies patch only where guard holds, in one statement.
func (s *Postgres) UpdateIf(ctx context.Context, id string, guard desk.Guard, patch desk.TicketPatch) (bool, error) {
	query, args := buildUpdate(id, guard, patch)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("updating ticket %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// IncrementEscalationReplies increments the counter of an escalated ticket.
func (s *Postgres) IncrementEscalationReplies(ctx context.Context, id string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		UPDATE tickets
		SET escalation_reply_count = escalation_reply_count + 1, updated_at = now()
		WHERE id = $1 AND is_ai_escalated
		RETURNING escalation_reply_count`, id).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		t, err := s.Get(ctx, id)
		if err != nil {
			return 0, err
		}
		return t.EscalationReplyCount, nil
	}
	if err != nil {
		return 0, fmt.Errorf("incrementing escalation replies: %w", err)
	}
	return n, nil
}

// buildUpdate renders patch and guard as a single UPDATE statement.
func buildUpdate(id string, guard desk.Guard, patch desk.TicketPatch) (string, []any) {
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	set := []string{"updated_at = now()"}
	add := func(column string, v any) {
		set = append(set, column+" = "+arg(v))
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.IsAIEscalated != nil {
		add("is_ai_escalated", *patch.IsAIEscalated)
	}
	if patch.AIAutoReplyDisabled != nil {
		add("ai_auto_reply_disabled", *patch.AIAutoReplyDisabled)
	}
	if patch.IsAIProcessing != nil {
		p := arg(*patch.IsAIProcessing)
		set = append(set,
			"is_ai_processing = "+p,
			"ai_processing_since = CASE WHEN "+p+"::boolean THEN now() ELSE NULL END")
	}
	if patch.EscalationReplyCount != nil {
		add("escalation_reply_count", *patch.EscalationReplyCount)
	}
	if patch.EscalationNoticeSent != nil {
		add("escalation_notice_sent", *patch.EscalationNoticeSent)
	}
	if patch.IsWaitingForNewTopicCheck != nil {
		add("is_waiting_for_new_topic_check", *patch.IsWaitingForNewTopicCheck)
	}
	if patch.AIConfidenceScore != nil {
		add("ai_confidence_score", *patch.AIConfidenceScore)
	}
	if patch.EscalationReason != nil {
		add("escalation_reason", *patch.EscalationReason)
	}
	if patch.Priority != nil {
		add("priority", *patch.Priority)
	}
	if patch.Category != nil {
		add("category", *patch.Category)
	}
	if len(patch.AddTags) > 0 {
		p := arg(patch.AddTags)
		set = append(set, "tags = tags || ARRAY(SELECT t FROM unnest("+p+"::text[]) AS t WHERE NOT t = ANY(tags))")
	}

	where := []string{"id = " + arg(id)}
	if guard.IsAIEscalated != nil {
		where = append(where, "is_ai_escalated = "+arg(*guard.IsAIEscalated))
	}
	if guard.EscalationNoticeSent != nil {
		where = append(where, "escalation_notice_sent = "+arg(*guard.EscalationNoticeSent))
	}
	if guard.IsWaitingForNewTopicCheck != nil {
		where = append(where, "is_waiting_for_new_topic_check = "+arg(*guard.IsWaitingForNewTopicCheck))
	}
	if guard.ProcessingFreeAsOf != nil {
		p := arg(*guard.ProcessingFreeAsOf)
		where = append(where, "(NOT is_ai_processing OR ai_processing_since IS NULL OR ai_processing_since < "+p+")")
	}

	query := "UPDATE tickets SET " + strings.Join(set, ", ") + " WHERE " + strings.Join(where, " AND ")
	return query, args
}

// ListMessages returns the last limit messages of a ticket in order.
func (s *Postgres) ListMessages(ctx context.Context, ticketID string, limit int) ([]model.Message, error) {
	query := `SELECT id, thread_id, ticket_id, author_type, channel, content, attachments, created_at
		FROM messages WHERE ticket_id = $1 ORDER BY created_at DESC`
	args := []any{ticketID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var attachments []byte
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.TicketID, &m.AuthorType, &m.Channel, &m.Content, &attachments, &m.CreatedAt); err != nil {
			return nil, err
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
				return nil, fmt.Errorf("decoding attachments of %s: %w", m.ID, err)
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SendMessage appends a message to the thread. Channel delivery is done by
// whoever consumes the thread.
func (s *Postgres) SendMessage(ctx context.Context, out desk.OutboundMessage) (*model.Message, error) {
	msg := &model.Message{
		ID:         uuid.Must(uuid.NewV7()).String(),
		ThreadID:   out.ThreadID,
		TicketID:   out.TicketID,
		AuthorType: out.AuthorType,
		Channel:    out.Channel,
		Content:    out.Content,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, ticket_id, thread_id, author_type, channel, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.TicketID, msg.ThreadID, string(msg.AuthorType), string(msg.Channel), msg.Content, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	return msg, nil
}

// GetSettings returns organization settings.
func (s *Postgres) GetSettings(ctx context.Context, organizationID string) (*model.OrganizationSettings, error) {
	var st model.OrganizationSettings
	var channels []string
	var hours []byte
	err := s.pool.QueryRow(ctx, `
		SELECT organization_id, name, auto_reply_channels, confidence_threshold, restricted_topics, business_hours, kb_version
		FROM organization_settings WHERE organization_id = $1`, organizationID).
		Scan(&st.OrganizationID, &st.Name, &channels, &st.ConfidenceThreshold, &st.RestrictedTopics, &hours, &st.KBVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("organization %s: %w", organizationID, desk.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}

	st.AutoReplyEnabledByChannel = make(map[model.Channel]bool, len(channels))
	for _, ch := range channels {
		st.AutoReplyEnabledByChannel[model.Channel(ch)] = true
	}
	if len(hours) > 0 {
		if err := json.Unmarshal(hours, &st.BusinessHours); err != nil {
			return nil, fmt.Errorf("decoding business hours: %w", err)
		}
	}
	return &st, nil
}

// GetCustomer returns a customer with their open ticket count.
func (s *Postgres) GetCustomer(ctx context.Context, organizationID, customerID string) (*model.Customer, error) {
	var c model.Customer
	var attributes []byte
	err := s.pool.QueryRow(ctx, `
		SELECT c.id, c.organization_id, c.name, c.email, c.phone, c.plan, c.attributes,
			(SELECT count(*) FROM tickets t
			 WHERE t.organization_id = c.organization_id AND t.customer_id = c.id
			   AND t.status NOT IN ('RESOLVED', 'CLOSED'))
		FROM customers c WHERE c.organization_id = $1 AND c.id = $2`, organizationID, customerID).
		Scan(&c.ID, &c.OrganizationID, &c.Name, &c.Email, &c.Phone, &c.Plan, &attributes, &c.OpenTickets)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("customer %s: %w", customerID, desk.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading customer: %w", err)
	}
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &c.Attributes); err != nil {
			return nil, fmt.Errorf("decoding customer attributes: %w", err)
		}
	}
	return &c, nil
}

// NotifyHumans records the event and announces it on EventChannel.
func (s *Postgres) NotifyHumans(ctx context.Context, event *model.TicketEvent) error {
	e := *event
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO ticket_events (id, ticket_id, organization_id, type, reason, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.ID, e.TicketID, e.OrganizationID, string(e.Type), e.Reason, metadata, e.CreatedAt); err != nil {
			return fmt.Errorf("inserting event: %w", err)
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, EventChannel, string(payload)); err != nil {
			return fmt.Errorf("announcing event: %w", err)
		}
		return nil
	})
}

// CreateTicket opens a ticket seeded with the customer's message.
func (s *Postgres) CreateTicket(ctx context.Context, nt desk.NewTicket) (*model.Ticket, error) {
	id := uuid.Must(uuid.NewV7()).String()
	var t *model.Ticket
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		t, err = scanTicket(tx.QueryRow(ctx, `
			INSERT INTO tickets (id, organization_id, customer_id, thread_id, channel, subject)
			VALUES ($1, $2, $3, $1, $4, $5)
			RETURNING `+ticketColumns,
			id, nt.OrganizationID, nt.CustomerID, string(nt.Channel), nt.Subject))
		if err != nil {
			return fmt.Errorf("inserting ticket: %w", err)
		}
		if nt.Content == "" {
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO messages (id, ticket_id, thread_id, author_type, channel, content)
			VALUES ($1, $2, $2, $3, $4, $5)`,
			uuid.Must(uuid.NewV7()).String(), id, string(model.AuthorCustomer), string(nt.Channel), nt.Content)
		if err != nil {
			return fmt.Errorf("inserting first message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

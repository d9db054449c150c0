package calls

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"outbound-caller/pkg/utils"

	"github.com/google/uuid"
)

//go:embed schema.sql
var schemaDDL string

// PostgresRepo implements Repository on database/sql with the pgx driver.
//
// Call rows are written through ApplyPatch only: the row is locked with
// SELECT ... FOR UPDATE, MergePatch decides what changes, and the UPDATE
// touches exactly those columns.
type PostgresRepo struct {
	db *sql.DB
}

var _ Repository = (*PostgresRepo)(nil)

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

// EnsureSchema creates missing tables and indexes.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	return utils.ApplySchema(ctx, r.db, schemaDDL)
}

const campaignColumns = `id, name, type, description, instructions, greeting, voice, language, bot_name,
caller_id, callback_phone, time_limit_secs, voicemail_detection, assistant_ref, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (Campaign, error) {
	var c Campaign
	err := row.Scan(
		&c.ID, &c.Name, &c.Type, &c.Description, &c.Instructions, &c.Greeting, &c.Voice, &c.Language, &c.BotName,
		&c.CallerID, &c.CallbackPhone, &c.TimeLimitSecs, &c.VoicemailDetection, &c.AssistantRef, &c.Status,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	return c, err
}

func (r *PostgresRepo) CreateCampaign(ctx context.Context, c Campaign) (Campaign, error) {
	if c.Name == "" {
		return Campaign{}, ErrInvalidArgument
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = CampaignActive
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	q := `INSERT INTO campaigns (` + campaignColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`
	_, err := r.db.ExecContext(ctx, q,
		c.ID, c.Name, c.Type, c.Description, c.Instructions, c.Greeting, c.Voice, c.Language, c.BotName,
		c.CallerID, c.CallbackPhone, c.TimeLimitSecs, c.VoicemailDetection, c.AssistantRef, c.Status,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return Campaign{}, err
	}
	return c, nil
}

func (r *PostgresRepo) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	return scanCampaign(r.db.QueryRowContext(ctx, q, id))
}

func (r *PostgresRepo) SetCampaignStatus(ctx context.Context, id string, status CampaignStatus) error {
	const q = `UPDATE campaigns SET status = $2, updated_at = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, q, id, status, time.Now().UTC())
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *PostgresRepo) UpdateCampaignScript(ctx context.Context, id string, u ScriptUpdate) (Campaign, error) {
	q := `
UPDATE campaigns
SET instructions = COALESCE(NULLIF($2, ''), instructions),
    greeting     = COALESCE(NULLIF($3, ''), greeting),
    voice        = COALESCE(NULLIF($4, ''), voice),
    updated_at   = $5
WHERE id = $1
RETURNING ` + campaignColumns
	return scanCampaign(r.db.QueryRowContext(ctx, q, id, u.Instructions, u.Greeting, u.Voice, time.Now().UTC()))
}

const contactColumns = `id, campaign_id, first_name, last_name, phone, email, property_address, notes, status, created_at, updated_at`

func scanContact(row rowScanner) (Contact, error) {
	var c Contact
	err := row.Scan(&c.ID, &c.CampaignID, &c.FirstName, &c.LastName, &c.Phone, &c.Email,
		&c.PropertyAddress, &c.Notes, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	return c, err
}

func (r *PostgresRepo) CreateContact(ctx context.Context, c Contact) (Contact, error) {
	if c.CampaignID == "" || c.Phone == "" {
		return Contact{}, ErrInvalidArgument
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = ContactPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	q := `INSERT INTO contacts (` + contactColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := r.db.ExecContext(ctx, q, c.ID, c.CampaignID, c.FirstName, c.LastName, c.Phone, c.Email,
		c.PropertyAddress, c.Notes, c.Status, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return Contact{}, err
	}
	return c, nil
}

func (r *PostgresRepo) GetContact(ctx context.Context, id string) (Contact, error) {
	q := `SELECT ` + contactColumns + ` FROM contacts WHERE id = $1`
	return scanContact(r.db.QueryRowContext(ctx, q, id))
}

func (r *PostgresRepo) ListContacts(ctx context.Context, campaignID string, status ContactStatus, limit int) ([]Contact, error) {
	if limit <= 0 {
		limit = 1000
	}
	q := `SELECT ` + contactColumns + ` FROM contacts
WHERE campaign_id = $1 AND ($2 = '' OR status = $2)
ORDER BY created_at, id
LIMIT $3`
	rows, err := r.db.QueryContext(ctx, q, campaignID, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Contact, 0)
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) SetContactStatus(ctx context.Context, id string, status ContactStatus) error {
	const q = `UPDATE contacts SET status = $2, updated_at = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, q, id, status, time.Now().UTC())
	if err != nil {
		return err
	}
	return requireAffected(res)
}

const callColumns = `id, campaign_id, contact_id, provider_call_id, status, outcome, duration_seconds,
recording_url, transcript, summary, notes, appointment_at, callback_preferred_at,
started_at, ended_at, created_at, updated_at`

func scanCall(row rowScanner) (Call, error) {
	var cc callCapture
	if err := row.Scan(cc.targets()...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	return cc.call(), nil
}

func (r *PostgresRepo) QueueCalls(ctx context.Context, campaignID string, contactIDs []string, now time.Time) ([]Call, error) {
	out := make([]Call, 0, len(contactIDs))
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const insertCall = `
INSERT INTO calls (id, campaign_id, contact_id, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$5)`
		const markContact = `
UPDATE contacts SET status = $3, updated_at = $4
WHERE id = $1 AND campaign_id = $2`
		for i, contactID := range contactIDs {
			// Keep insertion order stable for ClaimNextQueued.
			created := now.Add(time.Duration(i) * time.Microsecond)
			c := Call{
				ID:         uuid.NewString(),
				CampaignID: campaignID,
				ContactID:  contactID,
				Status:     CallStatusQueued,
				CreatedAt:  created,
				UpdatedAt:  created,
			}
			res, err := tx.ExecContext(ctx, markContact, contactID, campaignID, ContactQueued, now)
			if err != nil {
				return err
			}
			if err := requireAffected(res); err != nil {
				return fmt.Errorf("contact %s: %w", contactID, err)
			}
			if _, err := tx.ExecContext(ctx, insertCall, c.ID, c.CampaignID, c.ContactID, c.Status, c.CreatedAt); err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresRepo) ClaimNextQueued(ctx context.Context, campaignID string, now time.Time) (Call, bool, error) {
	q := `
UPDATE calls
SET status = $3, started_at = COALESCE(started_at, $4), updated_at = $4
WHERE id = (
  SELECT id FROM calls
  WHERE campaign_id = $1 AND status = $2
  ORDER BY created_at, id
  FOR UPDATE SKIP LOCKED
  LIMIT 1
)
RETURNING ` + callColumns
	c, err := scanCall(r.db.QueryRowContext(ctx, q, campaignID, CallStatusQueued, CallStatusInitiating, now))
	if errors.Is(err, ErrNotFound) {
		return Call{}, false, nil
	}
	if err != nil {
		return Call{}, false, err
	}
	return c, true, nil
}

func (r *PostgresRepo) CancelPending(ctx context.Context, campaignID string, now time.Time) ([]Call, error) {
	out := make([]Call, 0)
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		q := `
UPDATE calls SET status = $4, updated_at = $5
WHERE campaign_id = $1 AND status IN ($2, $3)
RETURNING ` + callColumns
		rows, err := tx.QueryContext(ctx, q, campaignID, CallStatusQueued, CallStatusInitiating, CallStatusCancelled, now)
		if err != nil {
			return err
		}
		for rows.Next() {
			c, err := scanCall(rows)
			if err != nil {
				rows.Close()
				return err
			}
			out = append(out, c)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		const resetContact = `UPDATE contacts SET status = $2, updated_at = $3 WHERE id = $1`
		for _, c := range out {
			if _, err := tx.ExecContext(ctx, resetContact, c.ContactID, ContactPending, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresRepo) GetCall(ctx context.Context, id string) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	return scanCall(r.db.QueryRowContext(ctx, q, id))
}

func (r *PostgresRepo) FindCallByProviderID(ctx context.Context, providerCallID string) (Call, error) {
	if providerCallID == "" {
		return Call{}, ErrNotFound
	}
	q := `SELECT ` + callColumns + ` FROM calls WHERE provider_call_id = $1 ORDER BY created_at DESC LIMIT 1`
	return scanCall(r.db.QueryRowContext(ctx, q, providerCallID))
}

func (r *PostgresRepo) ApplyPatch(ctx context.Context, id string, p Patch, mode MergeMode, now time.Time) (Call, []string, error) {
	var (
		next    Call
		changed []string
	)
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		q := `SELECT ` + callColumns + ` FROM calls WHERE id = $1 FOR UPDATE`
		cur, err := scanCall(tx.QueryRowContext(ctx, q, id))
		if err != nil {
			return err
		}
		next, changed = MergePatch(cur, p, mode, now)
		if len(changed) == 0 {
			return nil
		}
		set, args := updateAssignments(next, changed)
		args = append(args, next.UpdatedAt, id)
		stmt := fmt.Sprintf(`UPDATE calls SET %s, updated_at = $%d WHERE id = $%d`,
			strings.Join(set, ", "), len(args)-1, len(args))
		_, err = tx.ExecContext(ctx, stmt, args...)
		return err
	})
	if err != nil {
		return Call{}, nil, err
	}
	return next, changed, nil
}

// updateAssignments builds "col = $n" pairs for the changed fields only.
func updateAssignments(c Call, changed []string) ([]string, []any) {
	set := make([]string, 0, len(changed))
	args := make([]any, 0, len(changed)+2)
	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	for _, f := range changed {
		switch f {
		case FieldStatus:
			add("status", c.Status)
		case FieldOutcome:
			add("outcome", utils.NullString(string(c.Outcome)))
		case FieldProviderCallID:
			add("provider_call_id", utils.NullString(c.ProviderCallID))
		case FieldDurationSeconds:
			add("duration_seconds", utils.NullInt(c.DurationSeconds))
		case FieldRecordingURL:
			add("recording_url", utils.NullString(c.RecordingURL))
		case FieldTranscript:
			add("transcript", utils.NullString(c.Transcript))
		case FieldSummary:
			add("summary", utils.NullString(c.Summary))
		case FieldNotes:
			add("notes", utils.NullString(c.Notes))
		case FieldAppointmentAt:
			add("appointment_at", utils.NullString(c.AppointmentAt))
		case FieldCallbackPreferredAt:
			add("callback_preferred_at", utils.NullString(c.CallbackPreferredAt))
		case FieldStartedAt:
			add("started_at", utils.NullTime(c.StartedAt))
		case FieldEndedAt:
			add("ended_at", utils.NullTime(c.EndedAt))
		}
	}
	return set, args
}

const callViewQuery = `
SELECT c.id, c.campaign_id, c.contact_id, c.provider_call_id, c.status, c.outcome, c.duration_seconds,
       c.recording_url, c.transcript, c.summary, c.notes, c.appointment_at, c.callback_preferred_at,
       c.started_at, c.ended_at, c.created_at, c.updated_at,
       ct.first_name, ct.last_name, ct.phone, ct.email, ct.property_address,
       cp.name, cp.type
FROM calls c
JOIN contacts ct ON ct.id = c.contact_id
JOIN campaigns cp ON cp.id = c.campaign_id
`

func scanCallView(row rowScanner) (CallView, error) {
	var (
		v           CallView
		cc          callCapture
		first, last string
	)
	dest := append(cc.targets(), &first, &last, &v.ContactPhone, &v.ContactEmail, &v.PropertyAddress,
		&v.CampaignName, &v.CampaignType)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallView{}, ErrNotFound
		}
		return CallView{}, err
	}
	v.Call = cc.call()
	v.ContactName = strings.TrimSpace(first + " " + last)
	return v, nil
}

// callCapture holds scan targets for a call row so it can be embedded in
// wider joined selects.
type callCapture struct {
	c                                          Call
	providerID, outcome, recording, transcript sql.NullString
	summary, notes, appointment, callback      sql.NullString
	duration                                   sql.NullInt64
	started, ended                             sql.NullTime
}

func (cc *callCapture) targets() []any {
	return []any{&cc.c.ID, &cc.c.CampaignID, &cc.c.ContactID, &cc.providerID, &cc.c.Status, &cc.outcome, &cc.duration,
		&cc.recording, &cc.transcript, &cc.summary, &cc.notes, &cc.appointment, &cc.callback,
		&cc.started, &cc.ended, &cc.c.CreatedAt, &cc.c.UpdatedAt}
}

func (cc *callCapture) call() Call {
	c := cc.c
	c.ProviderCallID = cc.providerID.String
	c.Outcome = Outcome(cc.outcome.String)
	c.DurationSeconds = utils.IntPtr(cc.duration)
	c.RecordingURL = cc.recording.String
	c.Transcript = cc.transcript.String
	c.Summary = cc.summary.String
	c.Notes = cc.notes.String
	c.AppointmentAt = cc.appointment.String
	c.CallbackPreferredAt = cc.callback.String
	c.StartedAt = utils.TimePtr(cc.started)
	c.EndedAt = utils.TimePtr(cc.ended)
	return c
}

func (r *PostgresRepo) GetCallView(ctx context.Context, id string) (CallView, error) {
	return scanCallView(r.db.QueryRowContext(ctx, callViewQuery+`WHERE c.id = $1`, id))
}

func (r *PostgresRepo) ListCallViews(ctx context.Context, f CallFilter) ([]CallView, error) {
	var (
		where []string
		args  []any
	)
	if f.CampaignID != "" {
		args = append(args, f.CampaignID)
		where = append(where, fmt.Sprintf("c.campaign_id = $%d", len(args)))
	}
	if f.Outcome != "" {
		args = append(args, string(f.Outcome))
		where = append(where, fmt.Sprintf("c.outcome = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			args = append(args, string(s))
			ph = append(ph, fmt.Sprintf("$%d", len(args)))
		}
		where = append(where, "c.status IN ("+strings.Join(ph, ", ")+")")
	}
	q := callViewQuery
	if len(where) > 0 {
		q += "WHERE " + strings.Join(where, " AND ") + "\n"
	}
	q += "ORDER BY c.created_at DESC, c.id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]CallView, 0)
	for rows.Next() {
		v, err := scanCallView(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) AppendEvent(ctx context.Context, e CallEvent) (CallEvent, error) {
	if e.EventType == "" {
		return CallEvent{}, ErrInvalidArgument
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = e.CreatedAt
	}
	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	const q = `
INSERT INTO call_events (id, call_id, provider, event_type, provider_call_id, event_id, payload, occurred_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.db.ExecContext(ctx, q, e.ID, utils.NullString(e.CallID), e.Provider, e.EventType,
		utils.NullString(e.ProviderCallID), utils.NullString(e.EventID), []byte(payload), e.OccurredAt, e.CreatedAt)
	if err != nil {
		return CallEvent{}, err
	}
	return e, nil
}

func (r *PostgresRepo) ListEvents(ctx context.Context, callID string) ([]CallEvent, error) {
	const q = `
SELECT id, call_id, provider, event_type, provider_call_id, event_id, payload, occurred_at, created_at
FROM call_events
WHERE call_id = $1
ORDER BY seq`
	rows, err := r.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]CallEvent, 0)
	for rows.Next() {
		var (
			e               CallEvent
			cid, providerID sql.NullString
			eventID         sql.NullString
			payload         []byte
		)
		if err := rows.Scan(&e.ID, &cid, &e.Provider, &e.EventType, &providerID, &eventID, &payload, &e.OccurredAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CallID = cid.String
		e.ProviderCallID = providerID.String
		e.EventID = eventID.String
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ListDoNotCall(ctx context.Context) ([]DNCEntry, error) {
	const q = `SELECT phone, reason, created_at FROM do_not_call ORDER BY phone`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]DNCEntry, 0)
	for rows.Next() {
		var e DNCEntry
		if err := rows.Scan(&e.Phone, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) AddDoNotCall(ctx context.Context, e DNCEntry) (DNCEntry, error) {
	if e.Phone == "" {
		return DNCEntry{}, ErrInvalidArgument
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	// First reason wins; re-adding a listed phone is a no-op.
	const q = `
INSERT INTO do_not_call (phone, reason, created_at) VALUES ($1,$2,$3)
ON CONFLICT (phone) DO UPDATE SET phone = EXCLUDED.phone
RETURNING phone, reason, created_at`
	var out DNCEntry
	if err := r.db.QueryRowContext(ctx, q, e.Phone, e.Reason, e.CreatedAt).Scan(&out.Phone, &out.Reason, &out.CreatedAt); err != nil {
		return DNCEntry{}, err
	}
	return out, nil
}

func (r *PostgresRepo) RemoveDoNotCall(ctx context.Context, phone string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM do_not_call WHERE phone = $1`, phone)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *PostgresRepo) IsDoNotCall(ctx context.Context, phone string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM do_not_call WHERE phone = $1)`, phone).Scan(&exists)
	return exists, err
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

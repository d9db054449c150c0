package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-memory Repository for tests and local runs.
// All methods are safe for concurrent use.
type MemoryRepo struct {
	mu sync.Mutex

	campaigns map[string]Campaign
	contacts  map[string]Contact
	calls     map[string]Call
	events    []CallEvent
	dnc       map[string]DNCEntry

	// seq orders rows created in the same instant.
	seq     int
	callSeq map[string]int
	contSeq map[string]int
}

var _ Repository = (*MemoryRepo)(nil)

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		campaigns: map[string]Campaign{},
		contacts:  map[string]Contact{},
		calls:     map[string]Call{},
		dnc:       map[string]DNCEntry{},
		callSeq:   map[string]int{},
		contSeq:   map[string]int{},
	}
}

func (r *MemoryRepo) CreateCampaign(ctx context.Context, c Campaign) (Campaign, error) {
	if c.Name == "" {
		return Campaign{}, ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = CampaignActive
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	r.campaigns[c.ID] = c
	return c, nil
}

func (r *MemoryRepo) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) SetCampaignStatus(ctx context.Context, id string, status CampaignStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	r.campaigns[id] = c
	return nil
}

func (r *MemoryRepo) UpdateCampaignScript(ctx context.Context, id string, u ScriptUpdate) (Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	if u.Instructions != "" {
		c.Instructions = u.Instructions
	}
	if u.Greeting != "" {
		c.Greeting = u.Greeting
	}
	if u.Voice != "" {
		c.Voice = u.Voice
	}
	c.UpdatedAt = time.Now().UTC()
	r.campaigns[id] = c
	return c, nil
}

func (r *MemoryRepo) CreateContact(ctx context.Context, c Contact) (Contact, error) {
	if c.CampaignID == "" || c.Phone == "" {
		return Contact{}, ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.campaigns[c.CampaignID]; !ok {
		return Contact{}, ErrNotFound
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
	r.seq++
	r.contSeq[c.ID] = r.seq
	r.contacts[c.ID] = c
	return c, nil
}

func (r *MemoryRepo) GetContact(ctx context.Context, id string) (Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[id]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) ListContacts(ctx context.Context, campaignID string, status ContactStatus, limit int) ([]Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Contact, 0)
	for _, c := range r.contacts {
		if c.CampaignID != campaignID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return r.contSeq[out[i].ID] < r.contSeq[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) SetContactStatus(ctx context.Context, id string, status ContactStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setContactStatusLocked(id, status)
}

func (r *MemoryRepo) setContactStatusLocked(id string, status ContactStatus) error {
	c, ok := r.contacts[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	r.contacts[id] = c
	return nil
}

func (r *MemoryRepo) QueueCalls(ctx context.Context, campaignID string, contactIDs []string, now time.Time) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range contactIDs {
		ct, ok := r.contacts[id]
		if !ok || ct.CampaignID != campaignID {
			return nil, ErrNotFound
		}
	}
	out := make([]Call, 0, len(contactIDs))
	for _, id := range contactIDs {
		c := Call{
			ID:         uuid.NewString(),
			CampaignID: campaignID,
			ContactID:  id,
			Status:     CallStatusQueued,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		r.seq++
		r.callSeq[c.ID] = r.seq
		r.calls[c.ID] = c
		_ = r.setContactStatusLocked(id, ContactQueued)
		out = append(out, c)
	}
	return out, nil
}

func (r *MemoryRepo) ClaimNextQueued(ctx context.Context, campaignID string, now time.Time) (Call, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		best  Call
		found bool
	)
	for _, c := range r.calls {
		if c.CampaignID != campaignID || c.Status != CallStatusQueued {
			continue
		}
		if !found || r.callSeq[c.ID] < r.callSeq[best.ID] {
			best, found = c, true
		}
	}
	if !found {
		return Call{}, false, nil
	}
	best, _ = MergePatch(best, Patch{Status: Ptr(CallStatusInitiating), StartedAt: &now}, MergeFillEmpty, now)
	r.calls[best.ID] = best
	return best, true, nil
}

func (r *MemoryRepo) CancelPending(ctx context.Context, campaignID string, now time.Time) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, 0)
	for id, c := range r.calls {
		if c.CampaignID != campaignID {
			continue
		}
		if c.Status != CallStatusQueued && c.Status != CallStatusInitiating {
			continue
		}
		c, _ = MergePatch(c, Patch{Status: Ptr(CallStatusCancelled)}, MergeFillEmpty, now)
		r.calls[id] = c
		_ = r.setContactStatusLocked(c.ContactID, ContactPending)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return r.callSeq[out[i].ID] < r.callSeq[out[j].ID] })
	return out, nil
}

func (r *MemoryRepo) GetCall(ctx context.Context, id string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) FindCallByProviderID(ctx context.Context, providerCallID string) (Call, error) {
	if providerCallID == "" {
		return Call{}, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c.ProviderCallID == providerCallID {
			return c, nil
		}
	}
	return Call{}, ErrNotFound
}

func (r *MemoryRepo) ApplyPatch(ctx context.Context, id string, p Patch, mode MergeMode, now time.Time) (Call, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, nil, ErrNotFound
	}
	next, changed := MergePatch(c, p, mode, now)
	if len(changed) > 0 {
		r.calls[id] = next
	}
	return next, changed, nil
}

func (r *MemoryRepo) GetCallView(ctx context.Context, id string) (CallView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return CallView{}, ErrNotFound
	}
	return NewCallView(c, r.contacts[c.ContactID], r.campaigns[c.CampaignID]), nil
}

func (r *MemoryRepo) ListCallViews(ctx context.Context, f CallFilter) ([]CallView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := make([]Call, 0)
	for _, c := range r.calls {
		if f.CampaignID != "" && c.CampaignID != f.CampaignID {
			continue
		}
		if f.Outcome != "" && c.Outcome != f.Outcome {
			continue
		}
		if len(f.Statuses) > 0 && !statusIn(c.Status, f.Statuses) {
			continue
		}
		rows = append(rows, c)
	}
	// Newest first, like the listing endpoints.
	sort.Slice(rows, func(i, j int) bool { return r.callSeq[rows[i].ID] > r.callSeq[rows[j].ID] })
	if f.Offset > 0 {
		rows = rows[min(f.Offset, len(rows)):]
	}
	if f.Limit > 0 && len(rows) > f.Limit {
		rows = rows[:f.Limit]
	}
	out := make([]CallView, 0, len(rows))
	for _, c := range rows {
		out = append(out, NewCallView(c, r.contacts[c.ContactID], r.campaigns[c.CampaignID]))
	}
	return out, nil
}

func statusIn(s CallStatus, set []CallStatus) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func (r *MemoryRepo) AppendEvent(ctx context.Context, e CallEvent) (CallEvent, error) {
	if e.EventType == "" {
		return CallEvent{}, ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = e.CreatedAt
	}
	r.events = append(r.events, e)
	return e, nil
}

func (r *MemoryRepo) ListEvents(ctx context.Context, callID string) ([]CallEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallEvent, 0)
	for _, e := range r.events {
		if e.CallID == callID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Events returns a copy of the whole log, orphans included.
func (r *MemoryRepo) Events() []CallEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *MemoryRepo) ListDoNotCall(ctx context.Context) ([]DNCEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DNCEntry, 0, len(r.dnc))
	for _, e := range r.dnc {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Phone < out[j].Phone })
	return out, nil
}

func (r *MemoryRepo) AddDoNotCall(ctx context.Context, e DNCEntry) (DNCEntry, error) {
	if e.Phone == "" {
		return DNCEntry{}, ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.dnc[e.Phone]; ok {
		return existing, nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	r.dnc[e.Phone] = e
	return e, nil
}

func (r *MemoryRepo) RemoveDoNotCall(ctx context.Context, phone string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.dnc[phone]; !ok {
		return ErrNotFound
	}
	delete(r.dnc, phone)
	return nil
}

func (r *MemoryRepo) IsDoNotCall(ctx context.Context, phone string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.dnc[phone]
	return ok, nil
}

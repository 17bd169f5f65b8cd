package service_test

import (
	"context"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/mailstorm-backend/internal/errors"
	"github.com/unclebandit/mailstorm-backend/internal/mailer"
	"github.com/unclebandit/mailstorm-backend/internal/model"
	"github.com/unclebandit/mailstorm-backend/internal/queue"
)

// --- In-memory store backing all three repositories ---

type openKey struct{ campaignID, recipientID, ownerID int64 }

type statusWrite struct {
	RecipientID int64
	Status      model.RecipientStatus
	Err         string
}

type MockStore struct {
	mu           sync.Mutex
	nextID       int64
	campaigns    map[int64]*model.Campaign
	recipients   map[int64]*model.Recipient
	opens        map[openKey]model.EmailOpen
	statusWrites []statusWrite
}

func NewMockStore() *MockStore {
	return &MockStore{
		campaigns:  map[int64]*model.Campaign{},
		recipients: map[int64]*model.Recipient{},
		opens:      map[openKey]model.EmailOpen{},
	}
}

func (s *MockStore) Campaigns() *MockCampaignRepo { return &MockCampaignRepo{s} }
func (s *MockStore) Recipients() *MockRecipientRepo { return &MockRecipientRepo{s} }
func (s *MockStore) Opens() *MockOpenRepo { return &MockOpenRepo{s} }

func (s *MockStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MockStore) Campaign(id int64) model.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.campaigns[id]
}

func (s *MockStore) Recipient(id int64) model.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.recipients[id]
}

func (s *MockStore) RecipientsOf(campaignID int64) []model.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Recipient
	for _, r := range s.recipients {
		if r.CampaignID == campaignID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MockStore) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.opens)
}

func (s *MockStore) StatusWrites() []statusWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]statusWrite(nil), s.statusWrites...)
}

// SeedCampaign stores a campaign with pending recipients.
func (s *MockStore) SeedCampaign(ownerID int64, status model.CampaignStatus, emails ...string) (*model.Campaign, []model.Recipient) {
	c := &model.Campaign{OwnerID: ownerID, Name: "Spring sale", Subject: "Hello {{name}}", Body: "<p>Hi {{name}}</p>", Status: status, TotalRecipients: len(emails)}
	_ = s.Campaigns().Create(context.Background(), c)

	inputs := make([]model.RecipientInput, len(emails))
	for i, e := range emails {
		inputs[i] = model.RecipientInput{Email: e, Name: "User" + e[:1]}
	}
	rs, _ := s.Recipients().CreateMany(context.Background(), c.ID, ownerID, inputs)
	return c, rs
}

func (s *MockStore) pendingLocked(campaignID, ownerID int64) int {
	n := 0
	for _, r := range s.recipients {
		if r.CampaignID == campaignID && r.OwnerID == ownerID && r.Status == model.RecipientPending {
			n++
		}
	}
	return n
}

type MockCampaignRepo struct{ s *MockStore }

func (m *MockCampaignRepo) Create(ctx context.Context, c *model.Campaign) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c.ID = m.s.id()
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	cp := *c
	m.s.campaigns[c.ID] = &cp
	return nil
}

func (m *MockCampaignRepo) GetByID(ctx context.Context, id, ownerID int64) (*model.Campaign, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, ok := m.s.campaigns[id]
	if !ok || c.OwnerID != ownerID {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (m *MockCampaignRepo) List(ctx context.Context, ownerID int64, offset, limit int, status string) ([]*model.Campaign, int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var all []*model.Campaign
	for _, c := range m.s.campaigns {
		if c.OwnerID == ownerID && (status == "" || string(c.Status) == status) {
			cp := *c
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if offset >= len(all) {
		return []*model.Campaign{}, len(all), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func (m *MockCampaignRepo) Delete(ctx context.Context, id, ownerID int64) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, ok := m.s.campaigns[id]
	if !ok || c.OwnerID != ownerID {
		return appErrors.NewCampaignNotFound(id)
	}
	delete(m.s.campaigns, id)
	for rid, r := range m.s.recipients {
		if r.CampaignID == id {
			delete(m.s.recipients, rid)
		}
	}
	for k := range m.s.opens {
		if k.campaignID == id {
			delete(m.s.opens, k)
		}
	}
	return nil
}

func (m *MockCampaignRepo) UpdateStatus(ctx context.Context, id, ownerID int64, status model.CampaignStatus) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, ok := m.s.campaigns[id]
	if !ok || c.OwnerID != ownerID {
		return appErrors.NewCampaignNotFound(id)
	}
	c.Status = status
	return nil
}

func (m *MockCampaignRepo) UpdateStatusIf(ctx context.Context, id, ownerID int64, from, to model.CampaignStatus) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, ok := m.s.campaigns[id]
	if !ok || c.OwnerID != ownerID || c.Status != from {
		return false, nil
	}
	c.Status = to
	return true, nil
}

func (m *MockCampaignRepo) MarkCompletedIfDrained(ctx context.Context, id, ownerID int64) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, ok := m.s.campaigns[id]
	if !ok || c.OwnerID != ownerID {
		return false, nil
	}
	if c.Status != model.CampaignActive && c.Status != model.CampaignPaused {
		return false, nil
	}
	if m.s.pendingLocked(id, ownerID) > 0 {
		return false, nil
	}
	c.Status = model.CampaignCompleted
	return true, nil
}

func (m *MockCampaignRepo) GetStats(ctx context.Context, id, ownerID int64) (*model.CampaignStats, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	st := &model.CampaignStats{}
	for _, r := range m.s.recipients {
		if r.CampaignID != id || r.OwnerID != ownerID {
			continue
		}
		st.Total++
		switch r.Status {
		case model.RecipientPending:
			st.Pending++
		case model.RecipientSent:
			st.Sent++
		case model.RecipientFailed:
			st.Failed++
		case model.RecipientOpened:
			st.Opened++
		case model.RecipientUnsubscribed:
			st.Unsubscribed++
		}
	}
	for k := range m.s.opens {
		if k.campaignID == id && k.ownerID == ownerID {
			st.UniqueOpens++
		}
	}
	if d := st.Delivered(); d > 0 {
		st.OpenRate = float64(st.UniqueOpens) / float64(d)
	}
	return st, nil
}

type MockRecipientRepo struct{ s *MockStore }

func (m *MockRecipientRepo) CreateMany(ctx context.Context, campaignID, ownerID int64, inputs []model.RecipientInput) ([]model.Recipient, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := make([]model.Recipient, 0, len(inputs))
	for _, in := range inputs {
		r := &model.Recipient{ID: m.s.id(), CampaignID: campaignID, OwnerID: ownerID, Email: in.Email, Name: in.Name, Status: model.RecipientPending, CreatedAt: time.Now()}
		m.s.recipients[r.ID] = r
		out = append(out, *r)
	}
	return out, nil
}

func (m *MockRecipientRepo) GetByID(ctx context.Context, id, ownerID int64) (*model.Recipient, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.recipients[id]
	if !ok || r.OwnerID != ownerID {
		return nil, appErrors.NewRecipientNotFound(id)
	}
	cp := *r
	return &cp, nil
}

func (m *MockRecipientRepo) ListByCampaign(ctx context.Context, campaignID, ownerID int64, status model.RecipientStatus) ([]model.Recipient, error) {
	var out []model.Recipient
	for _, r := range m.s.RecipientsOf(campaignID) {
		if r.OwnerID == ownerID && (status == "" || r.Status == status) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MockRecipientRepo) PendingCount(ctx context.Context, campaignID, ownerID int64) (int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.s.pendingLocked(campaignID, ownerID), nil
}

func (m *MockRecipientRepo) UpdateStatus(ctx context.Context, id, ownerID int64, status model.RecipientStatus, errMsg string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.statusWrites = append(m.s.statusWrites, statusWrite{RecipientID: id, Status: status, Err: errMsg})
	r, ok := m.s.recipients[id]
	if !ok || r.OwnerID != ownerID || !model.CanTransition(r.Status, status) {
		return false, nil
	}
	r.Status = status
	r.ErrorMessage = errMsg
	if status == model.RecipientSent {
		now := time.Now()
		r.SentAt = &now
	}
	return true, nil
}

func (m *MockRecipientRepo) ResetFailed(ctx context.Context, campaignID, ownerID int64) (int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	n := 0
	for _, r := range m.s.recipients {
		if r.CampaignID == campaignID && r.OwnerID == ownerID && r.Status == model.RecipientFailed {
			r.Status = model.RecipientPending
			r.ErrorMessage = ""
			n++
		}
	}
	return n, nil
}

func (m *MockRecipientRepo) ListWithOpens(ctx context.Context, campaignID, ownerID int64) ([]model.RecipientActivity, error) {
	rs := m.s.RecipientsOf(campaignID)
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := []model.RecipientActivity{}
	for _, r := range rs {
		if r.OwnerID != ownerID {
			continue
		}
		a := model.RecipientActivity{Recipient: r}
		if o, ok := m.s.opens[openKey{campaignID, r.ID, ownerID}]; ok {
			at := o.OpenedAt
			a.HasOpened = true
			a.FirstOpenedAt = &at
		}
		out = append(out, a)
	}
	return out, nil
}

type MockOpenRepo struct{ s *MockStore }

func (m *MockOpenRepo) InsertIfAbsent(ctx context.Context, open *model.EmailOpen) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	k := openKey{open.CampaignID, open.RecipientID, open.OwnerID}
	if _, exists := m.s.opens[k]; exists {
		return false, nil
	}
	open.ID = m.s.id()
	open.OpenedAt = time.Now()
	m.s.opens[k] = *open
	return true, nil
}

func (m *MockOpenRepo) ListByCampaign(ctx context.Context, campaignID, ownerID int64) ([]model.EmailOpen, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := []model.EmailOpen{}
	for k, o := range m.s.opens {
		if k.campaignID == campaignID && k.ownerID == ownerID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MockOpenRepo) ListRecent(ctx context.Context, ownerID int64, limit, offset int) ([]model.EmailOpen, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := []model.EmailOpen{}
	for k, o := range m.s.opens {
		if k.ownerID == ownerID {
			out = append(out, o)
		}
	}
	return out, nil
}

// --- Transport, notifier and queue doubles ---

type MockTransport struct {
	mu     sync.Mutex
	sent   []mailer.Message
	SendFn func(msg mailer.Message) error
}

func (t *MockTransport) Send(ctx context.Context, msg mailer.Message) error {
	t.mu.Lock()
	t.sent = append(t.sent, msg)
	fn := t.SendFn
	t.mu.Unlock()
	if fn != nil {
		return fn(msg)
	}
	return nil
}

func (t *MockTransport) Sent() []mailer.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]mailer.Message(nil), t.sent...)
}

type MockNotifier struct {
	mu    sync.Mutex
	calls []model.OpenNotification
	Err   error
}

func (n *MockNotifier) NotifyOpen(ctx context.Context, on model.OpenNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, on)
	return n.Err
}

func (n *MockNotifier) Calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type FailingQueue struct{ Err error }

func (q *FailingQueue) EnqueueBatch(ctx context.Context, jobs []queue.Job) error { return q.Err }
func (q *FailingQueue) Consume(ctx context.Context, h queue.Handler) error { return nil }
func (q *FailingQueue) Close() error { return nil }

// RecordingQueue keeps the last batch without running it.
type RecordingQueue struct {
	mu   sync.Mutex
	Jobs []queue.Job
}

func (q *RecordingQueue) EnqueueBatch(ctx context.Context, jobs []queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Jobs = append(q.Jobs, jobs...)
	return nil
}
func (q *RecordingQueue) Consume(ctx context.Context, h queue.Handler) error { return nil }
func (q *RecordingQueue) Close() error { return nil }

// delayRecorder fires retries immediately and remembers the requested backoff.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) After(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (r *delayRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

// --- Repositories that refuse work on a done context, like database/sql ---

type cancelAwareRecipients struct{ *MockRecipientRepo }

func (r cancelAwareRecipients) UpdateStatus(ctx context.Context, id, ownerID int64, status model.RecipientStatus, errMsg string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return r.MockRecipientRepo.UpdateStatus(ctx, id, ownerID, status, errMsg)
}

func (r cancelAwareRecipients) PendingCount(ctx context.Context, campaignID, ownerID int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return r.MockRecipientRepo.PendingCount(ctx, campaignID, ownerID)
}

type cancelAwareCampaigns struct{ *MockCampaignRepo }

func (c cancelAwareCampaigns) MarkCompletedIfDrained(ctx context.Context, id, ownerID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.MockCampaignRepo.MarkCompletedIfDrained(ctx, id, ownerID)
}

package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeDirectory is an in-memory Directory with injectable failures. It
// enforces email uniqueness the way a real identity store would, so
// concurrent-creation races surface as CreateUser errors.
type fakeDirectory struct {
	mu        sync.Mutex
	users     []User
	nextID    int
	listErr   error
	createErr error
	loginErr  error

	// raceOnCreate simulates a lost creation race: CreateUser stores the
	// user (the other request's insert) but still reports a failure.
	raceOnCreate bool

	createCalls int
	listCalls   int
	loginSentTo []string
}

func (d *fakeDirectory) seed(emails ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, email := range emails {
		d.nextID++
		d.users = append(d.users, User{ID: fmt.Sprintf("user-%d", d.nextID), Email: email})
	}
}

func (d *fakeDirectory) ListUsers(_ context.Context, page, pageSize int) ([]User, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listCalls++
	if d.listErr != nil {
		return nil, false, d.listErr
	}
	start := page * pageSize
	if start >= len(d.users) {
		return nil, false, nil
	}
	end := start + pageSize
	if end > len(d.users) {
		end = len(d.users)
	}
	out := make([]User, end-start)
	copy(out, d.users[start:end])
	return out, end < len(d.users), nil
}

func (d *fakeDirectory) CreateUser(_ context.Context, email string) (*User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.createCalls++
	if d.createErr != nil {
		return nil, d.createErr
	}
	if d.raceOnCreate {
		d.nextID++
		d.users = append(d.users, User{ID: fmt.Sprintf("user-%d", d.nextID), Email: email})
		return nil, fmt.Errorf("email %s already taken", email)
	}
	for _, u := range d.users {
		if u.Email == email {
			return nil, fmt.Errorf("email %s already taken", email)
		}
	}
	d.nextID++
	user := User{ID: fmt.Sprintf("user-%d", d.nextID), Email: email}
	d.users = append(d.users, user)
	return &user, nil
}

func (d *fakeDirectory) SendPasswordlessLogin(_ context.Context, email string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loginErr != nil {
		return d.loginErr
	}
	d.loginSentTo = append(d.loginSentTo, email)
	return nil
}

// fakeStore is an in-memory Storage with injectable failures per method.
type fakeStore struct {
	mu       sync.Mutex
	passes   map[string]*Pass
	receipts map[string]*Receipt
	events   map[string]*ProcessedEvent

	getPassErr     error
	listPassesErr  error
	insertPassErr  error
	updatePassErr  error
	getReceiptErr  error
	upsertErr      error
	hasEventErr    error
	recordEventErr error

	insertCalls int
	updateCalls int
	upsertCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		passes:   make(map[string]*Pass),
		receipts: make(map[string]*Receipt),
		events:   make(map[string]*ProcessedEvent),
	}
}

func (s *fakeStore) GetPassBySession(_ context.Context, sessionID string) (*Pass, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getPassErr != nil {
		return nil, s.getPassErr
	}
	for _, p := range s.passes {
		if p.CheckoutSessionID == sessionID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPassNotFound
}

func (s *fakeStore) ListPassesByExternalRef(_ context.Context, externalRef string) ([]*Pass, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listPassesErr != nil {
		return nil, s.listPassesErr
	}
	if externalRef == "" {
		return nil, nil
	}
	var out []*Pass
	for _, p := range s.passes {
		if p.ExternalRef == externalRef {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) InsertPass(_ context.Context, pass *Pass) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertCalls++
	if s.insertPassErr != nil {
		return s.insertPassErr
	}
	cp := *pass
	s.passes[pass.ID] = &cp
	return nil
}

func (s *fakeStore) UpdatePass(_ context.Context, pass *Pass) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls++
	if s.updatePassErr != nil {
		return s.updatePassErr
	}
	if _, ok := s.passes[pass.ID]; !ok {
		return ErrPassNotFound
	}
	cp := *pass
	s.passes[pass.ID] = &cp
	return nil
}

func (s *fakeStore) GetReceiptByInvoice(_ context.Context, invoiceID string) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getReceiptErr != nil {
		return nil, s.getReceiptErr
	}
	r, ok := s.receipts[invoiceID]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *fakeStore) UpsertReceipt(_ context.Context, receipt *Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertCalls++
	if s.upsertErr != nil {
		return s.upsertErr
	}
	cp := *receipt
	s.receipts[receipt.InvoiceID] = &cp
	return nil
}

func (s *fakeStore) HasProcessedEvent(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasEventErr != nil {
		return false, s.hasEventErr
	}
	_, ok := s.events[eventID]
	return ok, nil
}

func (s *fakeStore) RecordProcessedEvent(_ context.Context, record *ProcessedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordEventErr != nil {
		return s.recordEventErr
	}
	if _, ok := s.events[record.EventID]; ok {
		return nil
	}
	cp := *record
	s.events[record.EventID] = &cp
	return nil
}

func (s *fakeStore) passByID(id string) *Pass {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.passes[id]; ok {
		cp := *p
		return &cp
	}
	return nil
}

func (s *fakeStore) passCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.passes)
}

func (s *fakeStore) addPass(p *Pass) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.passes[p.ID] = &cp
}

// fixedNow returns a deterministic clock for tests.
func fixedNow(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

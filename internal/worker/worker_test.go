package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"greeting-service/internal/messagelog"
	"greeting-service/internal/provider"
	"greeting-service/internal/provider/mock"
	natsq "greeting-service/internal/queue/nats"
	"greeting-service/internal/users"
)

type fakeLogs struct {
	rows map[uuid.UUID]*messagelog.MessageLog
	err  error

	sentCalls   int
	retryCalls  int
	failedCalls int
	lastErrMsg  string
}

func newFakeLogs(rows ...*messagelog.MessageLog) *fakeLogs {
	f := &fakeLogs{rows: make(map[uuid.UUID]*messagelog.MessageLog)}
	for _, r := range rows {
		f.rows[r.ID] = r
	}
	return f
}

func (f *fakeLogs) ByID(ctx context.Context, id uuid.UUID) (*messagelog.MessageLog, error) {
	if f.err != nil {
		return nil, f.err
	}
	row, ok := f.rows[id]
	if !ok {
		return nil, messagelog.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (f *fakeLogs) ClaimForSend(ctx context.Context, id uuid.UUID, from messagelog.Status) (bool, error) {
	row, ok := f.rows[id]
	if !ok || row.Status != from {
		return false, nil
	}
	row.Status = messagelog.StatusSending
	return true, nil
}

func (f *fakeLogs) MarkSent(ctx context.Context, id uuid.UUID, code int, body string) (bool, error) {
	f.sentCalls++
	row, ok := f.rows[id]
	if !ok || row.Status != messagelog.StatusSending {
		return false, nil
	}
	row.Status = messagelog.StatusSent
	now := time.Now().UTC()
	row.ActualSendTime = &now
	return true, nil
}

func (f *fakeLogs) MarkRetry(ctx context.Context, id uuid.UUID, to messagelog.Status, errMsg string, code *int, body *string) (bool, error) {
	f.retryCalls++
	f.lastErrMsg = errMsg
	row, ok := f.rows[id]
	if !ok || row.Status != messagelog.StatusSending {
		return false, nil
	}
	row.Status = to
	row.RetryCount++
	return true, nil
}

func (f *fakeLogs) MarkFailed(ctx context.Context, id uuid.UUID, from []messagelog.Status, errMsg string, code *int, body *string) (bool, error) {
	f.failedCalls++
	f.lastErrMsg = errMsg
	row, ok := f.rows[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if row.Status == s {
			row.Status = messagelog.StatusFailed
			return true, nil
		}
	}
	return false, nil
}

type fakeUsers struct {
	users map[uuid.UUID]*users.User
	err   error
}

func (f *fakeUsers) ByID(ctx context.Context, id uuid.UUID) (*users.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return nil, users.ErrNotFound
	}
	return u, nil
}

type fakeDLQ struct {
	published []uuid.UUID
	reasons   []string
}

func (f *fakeDLQ) PublishDLQ(ctx context.Context, messageID uuid.UUID, reason string) error {
	f.published = append(f.published, messageID)
	f.reasons = append(f.reasons, reason)
	return nil
}

type fakeDelivery struct {
	data   []byte
	acked  bool
	naked  bool
	delay  time.Duration
	termed bool
}

func (d *fakeDelivery) Payload() []byte { return d.data }
func (d *fakeDelivery) Ack() error      { d.acked = true; return nil }
func (d *fakeDelivery) NakWithDelay(delay time.Duration) error {
	d.naked = true
	d.delay = delay
	return nil
}
func (d *fakeDelivery) Term() error { d.termed = true; return nil }

func deliveryFor(t *testing.T, row *messagelog.MessageLog) *fakeDelivery {
	t.Helper()
	data, err := json.Marshal(&natsq.SendPayload{
		MessageID:         row.ID,
		UserID:            row.UserID,
		MessageType:       string(row.MessageType),
		ScheduledSendTime: row.ScheduledSendTime,
		RetryCount:        row.RetryCount,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &fakeDelivery{data: data}
}

func queuedRow(userID uuid.UUID) *messagelog.MessageLog {
	return &messagelog.MessageLog{
		ID:                uuid.New(),
		UserID:            userID,
		MessageType:       messagelog.TypeBirthday,
		MessageContent:    "Hey, Jane Doe it's your birthday!",
		ScheduledSendTime: time.Now().UTC(),
		Status:            messagelog.StatusQueued,
	}
}

func testPool(logs *fakeLogs, dir *fakeUsers, sender provider.Sender, dlq *fakeDLQ) *Pool {
	return NewPool(zap.NewNop(), nil, logs, dir, sender, nil, dlq, Config{
		Concurrency:    1,
		MaxRetries:     3,
		Backoff:        BackoffPolicy{Base: time.Second, Factor: 2.0, Cap: 10 * time.Second},
		MessageTimeout: 5 * time.Second,
		DrainTimeout:   time.Second,
	})
}

func activeUser(id uuid.UUID) *fakeUsers {
	return &fakeUsers{users: map[uuid.UUID]*users.User{
		id: {ID: id, Email: "jane@example.com", FirstName: "Jane", LastName: "Doe", Timezone: "Europe/London"},
	}}
}

func TestProcessDeliverySuccess(t *testing.T) {
	userID := uuid.New()
	row := queuedRow(userID)
	logs := newFakeLogs(row)
	vendor := mock.NewProvider()
	dlq := &fakeDLQ{}
	p := testPool(logs, activeUser(userID), vendor, dlq)

	d := deliveryFor(t, row)
	p.processDelivery(context.Background(), d)

	if !d.acked {
		t.Fatal("expected delivery to be acked")
	}
	if logs.rows[row.ID].Status != messagelog.StatusSent {
		t.Errorf("row status = %s, want SENT", logs.rows[row.ID].Status)
	}
	if got := vendor.Emails(); len(got) != 1 || got[0] != "jane@example.com" {
		t.Errorf("vendor emails = %v", got)
	}
}

func TestProcessDeliveryRetryableFailure(t *testing.T) {
	userID := uuid.New()
	row := queuedRow(userID)
	logs := newFakeLogs(row)
	vendor := mock.NewProvider()
	vendor.Fail(&provider.Error{StatusCode: 503, Body: "unavailable", Retryable: true})
	p := testPool(logs, activeUser(userID), vendor, &fakeDLQ{})

	d := deliveryFor(t, row)
	p.processDelivery(context.Background(), d)

	if !d.naked {
		t.Fatal("expected delivery to be nacked")
	}
	if d.delay != time.Second {
		t.Errorf("nack delay = %v, want 1s for first attempt", d.delay)
	}
	if logs.rows[row.ID].Status != messagelog.StatusRetrying {
		t.Errorf("row status = %s, want RETRYING", logs.rows[row.ID].Status)
	}
	if logs.rows[row.ID].RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", logs.rows[row.ID].RetryCount)
	}
}

func TestProcessDeliveryRedeliveryAfterRetrySucceeds(t *testing.T) {
	userID := uuid.New()
	row := queuedRow(userID)
	row.Status = messagelog.StatusRetrying
	row.RetryCount = 1
	logs := newFakeLogs(row)
	vendor := mock.NewProvider()
	p := testPool(logs, activeUser(userID), vendor, &fakeDLQ{})

	d := deliveryFor(t, row)
	p.processDelivery(context.Background(), d)

	if !d.acked {
		t.Fatal("expected delivery to be acked")
	}
	if logs.rows[row.ID].Status != messagelog.StatusSent {
		t.Errorf("row status = %s, want SENT", logs.rows[row.ID].Status)
	}
}

func TestProcessDeliveryPermanentFailure(t *testing.T) {
	userID := uuid.New()
	row := queuedRow(userID)
	logs := newFakeLogs(row)
	vendor := mock.NewProvider()
	vendor.Fail(&provider.Error{StatusCode: 400, Body: "bad address", Retryable: false})
	p := testPool(logs, activeUser(userID), vendor, &fakeDLQ{})

	d := deliveryFor(t, row)
	p.processDelivery(context.Background(), d)

	if !d.acked {
		t.Fatal("expected delivery to be acked")
	}
	if logs.rows[row.ID].Status != messagelog.StatusFailed {
		t.Errorf("row status = %s, want FAILED", logs.rows[row.ID].Status)
	}
	if logs.failedCalls != 1 {
		t.Errorf("MarkFailed calls = %d, want 1", logs.failedCalls)
	}
}

func TestProcessDeliveryRetriesExhausted(t *testing.T) {
	userID := uuid.New()
	row := queuedRow(userID)
	row.Status = messagelog.StatusRetrying
	row.RetryCount = 3
	logs := newFakeLogs(row)
	vendor := mock.NewProvider()
	vendor.Fail(&provider.Error{StatusCode: 503, Body: "unavailable", Retryable: true})
	dlq := &fakeDLQ{}
	p := testPool(logs, activeUser(userID), vendor, dlq)

	d := deliveryFor(t, row)
	p.processDelivery(context.Background(), d)

	if !d.termed {
		t.Fatal("expected delivery to be terminated")
	}
	if len(dlq.published) != 1 || dlq.published[0] != row.ID {
		t.Errorf("DLQ published = %v, want [%s]", dlq.published, row.ID)
	}
	if logs.rows[row.ID].Status != messagelog.StatusRetrying {
		t.Errorf("row status = %s, want RETRYING for recovery to finalize", logs.rows[row.ID].Status)
	}
}

func TestProcessDeliveryAlreadySent(t *testing.T) {
	userID := uuid.New()
	row := queuedRow(userID)
	row.Status = messagelog.StatusSent
	logs := newFakeLogs(row)
	vendor := mock.NewProvider()
	p := testPool(logs, activeUser(userID), vendor, &fakeDLQ{})

	d := deliveryFor(t, row)
	p.processDelivery(context.Background(), d)

	if !d.acked {
		t.Fatal("expected duplicate delivery to be acked")
	}
	if vendor.Calls() != 0 {
		t.Errorf("vendor calls = %d, want 0 for SENT row", vendor.Calls())
	}
}

func TestProcessDeliveryRowAbsent(t *testing.T) {
	userID := uuid.New()
	row := queuedRow(userID)
	logs := newFakeLogs() // row never stored
	vendor := mock.NewProvider()
	p := testPool(logs, activeUser(userID), vendor, &fakeDLQ{})

	d := deliveryFor(t, row)
	p.processDelivery(context.Background(), d)

	if !d.acked {
		t.Fatal("expected delivery for absent row to be acked")
	}
	if vendor.Calls() != 0 {
		t.Errorf("vendor calls = %d, want 0", vendor.Calls())
	}
}

func TestProcessDeliveryClaimLost(t *testing.T) {
	userID := uuid.New()
	row := queuedRow(userID)
	logs := newFakeLogs(row)
	vendor := mock.NewProvider()
	p := testPool(logs, activeUser(userID), vendor, &fakeDLQ{})

	// Another worker advances the row between the read and the claim.
	d := deliveryFor(t, row)
	p.logs = &racingLogs{fakeLogs: logs}
	p.processDelivery(context.Background(), d)

	if !d.acked {
		t.Fatal("expected lost claim to be acked")
	}
	if vendor.Calls() != 0 {
		t.Errorf("vendor calls = %d, want 0 after lost claim", vendor.Calls())
	}
}

// racingLogs simulates a concurrent worker stealing the row after the read.
type racingLogs struct {
	*fakeLogs
}

func (r *racingLogs) ClaimForSend(ctx context.Context, id uuid.UUID, from messagelog.Status) (bool, error) {
	r.rows[id].Status = messagelog.StatusSending
	return false, nil
}

func TestProcessDeliveryUserDeleted(t *testing.T) {
	userID := uuid.New()
	row := queuedRow(userID)
	logs := newFakeLogs(row)
	deletedAt := time.Now().UTC()
	dir := &fakeUsers{users: map[uuid.UUID]*users.User{
		userID: {ID: userID, Email: "gone@example.com", DeletedAt: &deletedAt},
	}}
	vendor := mock.NewProvider()
	p := testPool(logs, dir, vendor, &fakeDLQ{})

	d := deliveryFor(t, row)
	p.processDelivery(context.Background(), d)

	if !d.acked {
		t.Fatal("expected delivery to be acked")
	}
	if logs.rows[row.ID].Status != messagelog.StatusFailed {
		t.Errorf("row status = %s, want FAILED", logs.rows[row.ID].Status)
	}
	if vendor.Calls() != 0 {
		t.Errorf("vendor calls = %d, want 0 for deleted user", vendor.Calls())
	}
}

func TestProcessDeliveryUserMissing(t *testing.T) {
	userID := uuid.New()
	row := queuedRow(userID)
	logs := newFakeLogs(row)
	vendor := mock.NewProvider()
	p := testPool(logs, &fakeUsers{users: map[uuid.UUID]*users.User{}}, vendor, &fakeDLQ{})

	d := deliveryFor(t, row)
	p.processDelivery(context.Background(), d)

	if !d.acked {
		t.Fatal("expected delivery to be acked")
	}
	if logs.rows[row.ID].Status != messagelog.StatusFailed {
		t.Errorf("row status = %s, want FAILED", logs.rows[row.ID].Status)
	}
}

func TestProcessDeliveryUserLookupTransient(t *testing.T) {
	userID := uuid.New()
	row := queuedRow(userID)
	logs := newFakeLogs(row)
	vendor := mock.NewProvider()
	p := testPool(logs, &fakeUsers{err: errors.New("connection refused")}, vendor, &fakeDLQ{})

	d := deliveryFor(t, row)
	p.processDelivery(context.Background(), d)

	if !d.naked {
		t.Fatal("expected transient lookup failure to be nacked")
	}
	if logs.rows[row.ID].Status != messagelog.StatusRetrying {
		t.Errorf("row status = %s, want RETRYING", logs.rows[row.ID].Status)
	}
	if vendor.Calls() != 0 {
		t.Errorf("vendor calls = %d, want 0", vendor.Calls())
	}
}

func TestProcessDeliveryMalformedPayload(t *testing.T) {
	logs := newFakeLogs()
	vendor := mock.NewProvider()
	p := testPool(logs, &fakeUsers{}, vendor, &fakeDLQ{})

	d := &fakeDelivery{data: []byte("not json")}
	p.processDelivery(context.Background(), d)

	if !d.termed {
		t.Fatal("expected malformed payload to be terminated")
	}
}

type listFetcher struct {
	batches [][]natsq.Delivery
}

func (f *listFetcher) Fetch(ctx context.Context, n int) ([]natsq.Delivery, error) {
	if len(f.batches) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func TestPoolRunDrains(t *testing.T) {
	userID := uuid.New()
	row := queuedRow(userID)
	logs := newFakeLogs(row)
	vendor := mock.NewProvider()
	d := deliveryFor(t, row)

	p := testPool(logs, activeUser(userID), vendor, &fakeDLQ{})
	p.consumer = &listFetcher{batches: [][]natsq.Delivery{{d}}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for !d.acked {
		select {
		case <-deadline:
			t.Fatal("delivery never processed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not drain after cancel")
	}

	if logs.rows[row.ID].Status != messagelog.StatusSent {
		t.Errorf("row status = %s, want SENT", logs.rows[row.ID].Status)
	}
}

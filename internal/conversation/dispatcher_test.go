package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDispatchStore backs the dispatcher with in-memory queue and log
// slices so drain ordering and partial-failure accounting are observable.
type fakeDispatchStore struct {
	mu    sync.Mutex
	convs map[uuid.UUID]*Conversation
	queue []QueuedMessage
	log   []LogEntry

	markErr   error
	appendErr error
	removeErr error
}

func newFakeDispatchStore(convs ...*Conversation) *fakeDispatchStore {
	s := &fakeDispatchStore{convs: make(map[uuid.UUID]*Conversation)}
	for _, c := range convs {
		s.convs[c.ID] = c
	}
	return s
}

func (s *fakeDispatchStore) Get(_ context.Context, id uuid.UUID) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *conv
	return &copied, nil
}

func (s *fakeDispatchStore) AppendQueuedMessage(_ context.Context, _ Querier, msg QueuedMessage) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return uuid.Nil, s.appendErr
	}
	msg.ID = uuid.New()
	s.queue = append(s.queue, msg)
	return msg.ID, nil
}

func (s *fakeDispatchStore) ListQueuedMessages(_ context.Context, conversationID uuid.UUID) ([]QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []QueuedMessage
	for _, msg := range s.queue {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *fakeDispatchStore) CountQueuedMessages(_ context.Context, conversationID uuid.UUID) (int, error) {
	msgs, _ := s.ListQueuedMessages(context.Background(), conversationID)
	return len(msgs), nil
}

func (s *fakeDispatchStore) RemoveQueuedMessage(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeErr != nil {
		return s.removeErr
	}
	for i, msg := range s.queue {
		if msg.ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *fakeDispatchStore) ClearQueue(_ context.Context, conversationID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []QueuedMessage
	removed := 0
	for _, msg := range s.queue {
		if msg.ConversationID == conversationID {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	s.queue = kept
	return removed, nil
}

func (s *fakeDispatchStore) AppendLogEntry(_ context.Context, _ Querier, entry LogEntry) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = uuid.New()
	s.log = append(s.log, entry)
	return entry.ID, nil
}

func (s *fakeDispatchStore) MarkReengagementSent(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return false, s.markErr
	}
	conv, ok := s.convs[id]
	if !ok || conv.ReengagementSentAt != nil {
		return false, nil
	}
	conv.ReengagementSentAt = &at
	return true, nil
}

func (s *fakeDispatchStore) UnmarkReengagement(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if ok && conv.ReengagementSentAt != nil && conv.ReengagementSentAt.Equal(at) {
		conv.ReengagementSentAt = nil
	}
	return nil
}

func (s *fakeDispatchStore) queueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *fakeDispatchStore) logEntries() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogEntry, len(s.log))
	copy(out, s.log)
	return out
}

// fakeChannel records sends and fails bodies listed in failBodies.
type fakeChannel struct {
	mu         sync.Mutex
	sent       []string
	templates  []string
	failBodies map[string]bool
	failAll    bool
}

func (c *fakeChannel) SendFreeform(_ context.Context, _, body string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAll || c.failBodies[body] {
		return "", errors.New("channel unavailable")
	}
	c.sent = append(c.sent, body)
	return "wamid." + uuid.NewString(), nil
}

func (c *fakeChannel) SendTemplate(_ context.Context, _, template string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAll {
		return "", errors.New("channel unavailable")
	}
	c.templates = append(c.templates, template)
	return "wamid." + uuid.NewString(), nil
}

func humanControlled(lastInbound *time.Time) *Conversation {
	return &Conversation{
		ID:                 uuid.New(),
		ClinicID:           uuid.NewString(),
		PatientWAID:        "5511999990000",
		Lifecycle:          LifecycleEngaged,
		Controller:         ControllerHuman,
		ControlledByUserID: "user-1",
		LastInboundAt:      lastInbound,
		Version:            1,
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func newTestDispatcher(store dispatchStore, channel OutboundChannel) *Dispatcher {
	return NewDispatcher(DispatcherConfig{Store: store, Channel: channel})
}

func TestSendMessageDeliversWhenWindowOpen(t *testing.T) {
	now := time.Now()
	conv := humanControlled(timePtr(now.Add(-time.Hour)))
	store := newFakeDispatchStore(conv)
	channel := &fakeChannel{}
	d := newTestDispatcher(store, channel)

	res, err := d.SendMessage(context.Background(), conv.ID, "sua consulta foi confirmada", "user-1")
	require.NoError(t, err)

	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.NotEqual(t, uuid.Nil, res.LogEntryID)
	assert.Equal(t, []string{"sua consulta foi confirmada"}, channel.sent)

	entries := store.logEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, DirectionOut, entries[0].Direction)
	assert.Equal(t, KindFreeform, entries[0].Kind)
	assert.Equal(t, "user-1", entries[0].SentBy)
	assert.Zero(t, store.queueDepth())
}

func TestSendMessageQueuesWhenWindowClosed(t *testing.T) {
	conv := humanControlled(timePtr(time.Now().Add(-25 * time.Hour)))
	store := newFakeDispatchStore(conv)
	channel := &fakeChannel{}
	d := newTestDispatcher(store, channel)

	res, err := d.SendMessage(context.Background(), conv.ID, "podemos remarcar?", "user-1")
	require.NoError(t, err)

	assert.Equal(t, OutcomeQueued, res.Outcome)
	assert.NotEqual(t, uuid.Nil, res.QueuedMessageID)
	assert.Empty(t, channel.sent)
	assert.Equal(t, 1, store.queueDepth())
}

func TestSendMessageQueuesWhenNoInboundYet(t *testing.T) {
	conv := humanControlled(nil)
	store := newFakeDispatchStore(conv)
	channel := &fakeChannel{}
	d := newTestDispatcher(store, channel)

	res, err := d.SendMessage(context.Background(), conv.ID, "oi", "user-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, res.Outcome)
}

func TestSendMessageRequiresHumanControl(t *testing.T) {
	conv := humanControlled(timePtr(time.Now()))
	conv.Controller = ControllerAI
	conv.ControlledByUserID = ""
	store := newFakeDispatchStore(conv)
	d := newTestDispatcher(store, &fakeChannel{})

	_, err := d.SendMessage(context.Background(), conv.ID, "oi", "user-1")
	assert.ErrorIs(t, err, ErrNotHumanControlled)
}

func TestSendMessageRejectsClosedConversation(t *testing.T) {
	conv := humanControlled(timePtr(time.Now()))
	conv.Lifecycle = LifecycleClosed
	store := newFakeDispatchStore(conv)
	d := newTestDispatcher(store, &fakeChannel{})

	_, err := d.SendMessage(context.Background(), conv.ID, "oi", "user-1")
	assert.ErrorIs(t, err, ErrConversationClosed)
}

func TestQueueMessageAlwaysDefers(t *testing.T) {
	// Window is wide open, but the agent chose the queue explicitly.
	conv := humanControlled(timePtr(time.Now()))
	store := newFakeDispatchStore(conv)
	channel := &fakeChannel{}
	d := newTestDispatcher(store, channel)

	id, err := d.QueueMessage(context.Background(), conv.ID, "mando amanha cedo", "user-1")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
	assert.Empty(t, channel.sent)
	assert.Equal(t, 1, store.queueDepth())
}

func TestDrainQueueSendsFIFO(t *testing.T) {
	conv := humanControlled(timePtr(time.Now().Add(-time.Hour)))
	store := newFakeDispatchStore(conv)
	channel := &fakeChannel{}
	d := newTestDispatcher(store, channel)

	ctx := context.Background()
	for _, body := range []string{"primeira", "segunda", "terceira"} {
		_, err := d.QueueMessage(ctx, conv.ID, body, "user-1")
		require.NoError(t, err)
	}

	res, err := d.DrainQueue(ctx, conv.ID)
	require.NoError(t, err)

	assert.Equal(t, DrainResult{Sent: 3}, res)
	assert.Equal(t, []string{"primeira", "segunda", "terceira"}, channel.sent)
	assert.Zero(t, store.queueDepth())
}

func TestDrainQueueStopsAtFirstFailure(t *testing.T) {
	conv := humanControlled(timePtr(time.Now().Add(-time.Hour)))
	store := newFakeDispatchStore(conv)
	channel := &fakeChannel{failBodies: map[string]bool{"segunda": true}}
	d := newTestDispatcher(store, channel)

	ctx := context.Background()
	for _, body := range []string{"primeira", "segunda", "terceira"} {
		_, err := d.QueueMessage(ctx, conv.ID, body, "user-1")
		require.NoError(t, err)
	}

	res, err := d.DrainQueue(ctx, conv.ID)
	require.Error(t, err)

	assert.Equal(t, DrainResult{Sent: 1, Failed: 1, Remaining: 1}, res)
	assert.Equal(t, []string{"primeira"}, channel.sent)
	// Failed message stays at the head for the next drain.
	msgs, listErr := store.ListQueuedMessages(ctx, conv.ID)
	require.NoError(t, listErr)
	require.Len(t, msgs, 2)
	assert.Equal(t, "segunda", msgs[0].Body)
	assert.Equal(t, "terceira", msgs[1].Body)
}

func TestDrainQueueFailedMessageResendsNextDrain(t *testing.T) {
	conv := humanControlled(timePtr(time.Now().Add(-time.Hour)))
	store := newFakeDispatchStore(conv)
	channel := &fakeChannel{failBodies: map[string]bool{"segunda": true}}
	d := newTestDispatcher(store, channel)

	ctx := context.Background()
	for _, body := range []string{"primeira", "segunda"} {
		_, err := d.QueueMessage(ctx, conv.ID, body, "user-1")
		require.NoError(t, err)
	}

	_, err := d.DrainQueue(ctx, conv.ID)
	require.Error(t, err)

	channel.mu.Lock()
	channel.failBodies = nil
	channel.mu.Unlock()

	res, err := d.DrainQueue(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Sent: 1}, res)
	assert.Equal(t, []string{"primeira", "segunda"}, channel.sent)
	assert.Zero(t, store.queueDepth())
}

func TestDrainQueueRejectsClosedWindow(t *testing.T) {
	conv := humanControlled(timePtr(time.Now().Add(-25 * time.Hour)))
	store := newFakeDispatchStore(conv)
	d := newTestDispatcher(store, &fakeChannel{})

	_, err := d.DrainQueue(context.Background(), conv.ID)
	assert.ErrorIs(t, err, ErrWindowStillClosed)
}

func TestDrainQueueRejectsClosedConversation(t *testing.T) {
	conv := humanControlled(timePtr(time.Now()))
	conv.Lifecycle = LifecycleClosed
	store := newFakeDispatchStore(conv)
	d := newTestDispatcher(store, &fakeChannel{})

	_, err := d.DrainQueue(context.Background(), conv.ID)
	assert.ErrorIs(t, err, ErrConversationClosed)
}

func TestDrainQueueEmptyIsNoop(t *testing.T) {
	conv := humanControlled(timePtr(time.Now()))
	store := newFakeDispatchStore(conv)
	d := newTestDispatcher(store, &fakeChannel{})

	res, err := d.DrainQueue(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, res)
}

func TestSendReengagementSendsTemplateWhileWindowClosed(t *testing.T) {
	conv := humanControlled(timePtr(time.Now().Add(-48 * time.Hour)))
	store := newFakeDispatchStore(conv)
	channel := &fakeChannel{}
	d := NewDispatcher(DispatcherConfig{
		Store:                store,
		Channel:              channel,
		ReengagementTemplate: "retomar_agendamento",
	})

	logID, err := d.SendReengagement(context.Background(), conv.ID)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, logID)
	assert.Equal(t, []string{"retomar_agendamento"}, channel.templates)

	entries := store.logEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, KindTemplate, entries[0].Kind)
}

func TestSendReengagementOnlyOnceUntilInbound(t *testing.T) {
	conv := humanControlled(timePtr(time.Now().Add(-48 * time.Hour)))
	store := newFakeDispatchStore(conv)
	channel := &fakeChannel{}
	d := newTestDispatcher(store, channel)

	_, err := d.SendReengagement(context.Background(), conv.ID)
	require.NoError(t, err)

	_, err = d.SendReengagement(context.Background(), conv.ID)
	assert.ErrorIs(t, err, ErrReengagementAlreadySent)
}

func TestSendReengagementReleasesClaimOnChannelFailure(t *testing.T) {
	conv := humanControlled(timePtr(time.Now().Add(-48 * time.Hour)))
	store := newFakeDispatchStore(conv)
	channel := &fakeChannel{failAll: true}
	d := newTestDispatcher(store, channel)

	_, err := d.SendReengagement(context.Background(), conv.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrReengagementAlreadySent)

	// The claim was rolled back; a retry goes through.
	channel.mu.Lock()
	channel.failAll = false
	channel.mu.Unlock()

	_, err = d.SendReengagement(context.Background(), conv.ID)
	assert.NoError(t, err)
}

func TestSendReengagementRejectsClosedConversation(t *testing.T) {
	conv := humanControlled(timePtr(time.Now().Add(-48 * time.Hour)))
	conv.Lifecycle = LifecycleClosed
	store := newFakeDispatchStore(conv)
	d := newTestDispatcher(store, &fakeChannel{})

	_, err := d.SendReengagement(context.Background(), conv.ID)
	assert.ErrorIs(t, err, ErrConversationClosed)
}

func TestClearQueueDropsAllMessages(t *testing.T) {
	conv := humanControlled(timePtr(time.Now()))
	store := newFakeDispatchStore(conv)
	d := newTestDispatcher(store, &fakeChannel{})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := d.QueueMessage(ctx, conv.ID, "msg", "user-1")
		require.NoError(t, err)
	}

	removed, err := d.ClearQueue(ctx, conv.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Zero(t, store.queueDepth())
}

type recordingQueueAuditor struct {
	clinicID       string
	conversationID uuid.UUID
	userID         string
	removed        int
	calls          int
}

func (a *recordingQueueAuditor) RecordQueueCleared(_ context.Context, clinicID string, conversationID uuid.UUID, userID string, removed int) error {
	a.clinicID = clinicID
	a.conversationID = conversationID
	a.userID = userID
	a.removed = removed
	a.calls++
	return nil
}

func TestClearQueueRecordsAuditEvent(t *testing.T) {
	conv := humanControlled(timePtr(time.Now()))
	store := newFakeDispatchStore(conv)
	auditor := &recordingQueueAuditor{}
	d := NewDispatcher(DispatcherConfig{Store: store, Channel: &fakeChannel{}, Audit: auditor})

	ctx := context.Background()
	_, err := d.QueueMessage(ctx, conv.ID, "mensagem pendente", "user-1")
	require.NoError(t, err)

	removed, err := d.ClearQueue(ctx, conv.ID, "agent-7")
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	assert.Equal(t, 1, auditor.calls)
	assert.Equal(t, conv.ClinicID, auditor.clinicID)
	assert.Equal(t, conv.ID, auditor.conversationID)
	assert.Equal(t, "agent-7", auditor.userID)
	assert.Equal(t, 1, auditor.removed)
}

func TestClearQueueEmptyDoesNotAudit(t *testing.T) {
	conv := humanControlled(timePtr(time.Now()))
	store := newFakeDispatchStore(conv)
	auditor := &recordingQueueAuditor{}
	d := NewDispatcher(DispatcherConfig{Store: store, Channel: &fakeChannel{}, Audit: auditor})

	removed, err := d.ClearQueue(context.Background(), conv.ID, "agent-7")
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Zero(t, auditor.calls)
}

func TestWindowStatusReflectsQueueAndClock(t *testing.T) {
	last := time.Now().Add(-23 * time.Hour)
	conv := humanControlled(timePtr(last))
	store := newFakeDispatchStore(conv)
	d := newTestDispatcher(store, &fakeChannel{})

	ctx := context.Background()
	_, err := d.QueueMessage(ctx, conv.ID, "pendente", "user-1")
	require.NoError(t, err)

	status, err := d.WindowStatus(ctx, conv.ID)
	require.NoError(t, err)

	assert.True(t, status.Open)
	require.NotNil(t, status.ExpiresAt)
	assert.True(t, status.ExpiresAt.Equal(last.Add(MessagingWindow)))
	assert.InDelta(t, time.Hour.Seconds(), status.Remaining.Seconds(), 5)
	assert.Equal(t, 1, status.QueueDepth)
}

func TestWindowStatusClosedWindow(t *testing.T) {
	conv := humanControlled(timePtr(time.Now().Add(-30 * time.Hour)))
	store := newFakeDispatchStore(conv)
	d := newTestDispatcher(store, &fakeChannel{})

	status, err := d.WindowStatus(context.Background(), conv.ID)
	require.NoError(t, err)

	assert.False(t, status.Open)
	assert.Zero(t, status.Remaining)
}

package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var conversationRowColumns = []string{
	"id", "clinic_id", "patient_wa_id", "patient_phone", "patient_name",
	"lifecycle", "controller", "controlled_by_user_id",
	"taken_over_at", "released_at", "last_inbound_at", "reengagement_sent_at",
	"version", "created_at", "updated_at",
}

func conversationRow(id uuid.UUID, version int64) *pgxmock.Rows {
	now := time.Now().UTC()
	return pgxmock.NewRows(conversationRowColumns).AddRow(
		id, "clinic-1", "5511999990000", "+5511999990000", "Maria",
		LifecycleEngaged, ControllerAI, "",
		nil, nil, &now, nil,
		version, now, now,
	)
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewStore(mock), mock
}

func TestStoreGet(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT(.+)FROM conversations WHERE id").
		WithArgs(id).
		WillReturnRows(conversationRow(id, 7))

	conv, err := store.Get(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, id, conv.ID)
	assert.Equal(t, "clinic-1", conv.ClinicID)
	assert.Equal(t, ControllerAI, conv.Controller)
	assert.EqualValues(t, 7, conv.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT(.+)FROM conversations WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(conversationRowColumns))

	_, err := store.Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreEnsureConversationUpsert(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("INSERT INTO conversations").
		WithArgs(pgxmock.AnyArg(), "clinic-1", "5511999990000", "+5511999990000", "Maria", LifecycleNew, ControllerAI).
		WillReturnRows(conversationRow(id, 1))

	conv, err := store.EnsureConversation(context.Background(), "clinic-1", "5511999990000", "+5511999990000", "Maria")
	require.NoError(t, err)
	assert.Equal(t, id, conv.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreCompareAndSwapControl(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now().UTC()
	patch := ControlPatch{
		Controller:         ControllerHuman,
		ControlledByUserID: "user-1",
		TakenOverAt:        &now,
	}

	mock.ExpectExec("UPDATE conversations").
		WithArgs(ControllerHuman, "user-1", &now, (*time.Time)(nil), id, int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := store.CompareAndSwapControl(context.Background(), id, 3, patch)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreCompareAndSwapControlVersionConflict(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE conversations").
		WithArgs(ControllerAI, "", (*time.Time)(nil), (*time.Time)(nil), id, int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := store.CompareAndSwapControl(context.Background(), id, 3, ControlPatch{Controller: ControllerAI})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreRecordInbound(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	receivedAt := time.Now().UTC()

	mock.ExpectExec("UPDATE conversations").
		WithArgs(receivedAt, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.RecordInbound(context.Background(), nil, id, receivedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreRecordInboundUnknownConversation(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE conversations").
		WithArgs(pgxmock.AnyArg(), id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.RecordInbound(context.Background(), nil, id, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreMarkReengagementSentClaims(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	at := time.Now().UTC()

	mock.ExpectExec("UPDATE conversations").
		WithArgs(at, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := store.MarkReengagementSent(context.Background(), id, at)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec("UPDATE conversations").
		WithArgs(at, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err = store.MarkReengagementSent(context.Background(), id, at)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreQueuedMessageLifecycle(t *testing.T) {
	store, mock := newMockStore(t)
	convID := uuid.New()
	enqueuedAt := time.Now().UTC()

	mock.ExpectExec("INSERT INTO queued_messages").
		WithArgs(pgxmock.AnyArg(), convID, "mensagem adiada", "user-1", enqueuedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := store.AppendQueuedMessage(context.Background(), nil, QueuedMessage{
		ConversationID: convID,
		Body:           "mensagem adiada",
		EnqueuedBy:     "user-1",
		EnqueuedAt:     enqueuedAt,
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	rows := pgxmock.NewRows([]string{"id", "conversation_id", "body", "enqueued_by", "enqueued_at"}).
		AddRow(id, convID, "mensagem adiada", "user-1", enqueuedAt)
	mock.ExpectQuery("SELECT(.+)FROM queued_messages").
		WithArgs(convID).
		WillReturnRows(rows)

	msgs, err := store.ListQueuedMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "mensagem adiada", msgs[0].Body)

	mock.ExpectExec("DELETE FROM queued_messages WHERE id").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, store.RemoveQueuedMessage(context.Background(), id))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreClearQueueReturnsRemovedCount(t *testing.T) {
	store, mock := newMockStore(t)
	convID := uuid.New()

	mock.ExpectExec("DELETE FROM queued_messages WHERE conversation_id").
		WithArgs(convID).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	removed, err := store.ClearQueue(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, 4, removed)
}

func TestStoreAppendLogEntryDefaultsStatus(t *testing.T) {
	store, mock := newMockStore(t)
	convID := uuid.New()

	mock.ExpectExec("INSERT INTO message_log").
		WithArgs(pgxmock.AnyArg(), convID, DirectionIn, KindFreeform, "oi", "", "wamid.1", "accepted", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := store.AppendLogEntry(context.Background(), nil, LogEntry{
		ConversationID:    convID,
		Direction:         DirectionIn,
		Kind:              KindFreeform,
		Body:              "oi",
		ProviderMessageID: "wamid.1",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreUpdateDeliveryStatus(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE message_log").
		WithArgs("failed", "recipient unavailable", "wamid.out").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.UpdateDeliveryStatus(context.Background(), "wamid.out", "failed", "recipient unavailable")
	assert.NoError(t, err)
}

func TestStoreListDrainCandidates(t *testing.T) {
	store, mock := newMockStore(t)
	a, b := uuid.New(), uuid.New()

	rows := pgxmock.NewRows([]string{"id"}).AddRow(a).AddRow(b)
	mock.ExpectQuery("SELECT c.id").
		WithArgs(10).
		WillReturnRows(rows)

	ids, err := store.ListDrainCandidates(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a, b}, ids)
}

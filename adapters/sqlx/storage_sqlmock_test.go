package sqlx_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	libsqlx "github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storage "rewardkit/adapters/sqlx"
	"rewardkit/core"
	"rewardkit/engine"
)

var _ engine.Storage = (*storage.Store)(nil)

func newMockStore(t *testing.T) (*storage.Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	xdb := storage.NewWithDB(libsqlx.NewDb(db, "postgres"), storage.DriverPostgres)
	cleanup := func() {
		_ = db.Close()
	}
	return xdb, mock, cleanup
}

var entryCols = []string{"seq", "id", "user_id", "delta", "source_type", "reason_code", "source_id", "balance_after", "flagged", "created_at"}

func appendReq(delta string) core.AppendRequest {
	return core.AppendRequest{
		Key:     core.LedgerKey{UserID: "u1", SourceType: core.SourceReward, ReasonCode: "course_module", SourceID: "mod_B"},
		Delta:   decimal.RequireFromString(delta),
		Policy:  core.PolicyReject,
		EntryID: "e2",
		At:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func expectLock(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ledger_balances .* ON CONFLICT`).
		WithArgs(core.UserID("u1"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT balance FROM ledger_balances WHERE user_id = \$1 FOR UPDATE`).
		WithArgs(core.UserID("u1")).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("0.01"))
}

func TestSQLMock_AppendEntry_Insert(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	expectLock(mock)
	mock.ExpectQuery(`SELECT seq, id, .* FROM ledger_entries\s+WHERE user_id = \$1 AND source_type = \$2`).
		WithArgs(core.UserID("u1"), core.SourceReward, "course_module", "mod_B").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT balance_after FROM ledger_entries`).
		WithArgs(core.UserID("u1")).
		WillReturnRows(sqlmock.NewRows([]string{"balance_after"}).AddRow("0.01"))
	mock.ExpectQuery(`INSERT INTO ledger_entries .* RETURNING seq`).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(2))
	mock.ExpectExec(`UPDATE ledger_balances SET balance`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), core.UserID("u1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	e, created, err := store.AppendEntry(context.Background(), appendReq("0.01"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(2), e.Seq)
	assert.Equal(t, "0.02", e.BalanceAfter.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_AppendEntry_Replay(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	expectLock(mock)
	mock.ExpectQuery(`SELECT seq, id, .* FROM ledger_entries`).
		WillReturnRows(sqlmock.NewRows(entryCols).
			AddRow(2, "e-old", "u1", "0.01", "reward", "course_module", "mod_B", "0.02", false, at))
	mock.ExpectCommit()

	e, created, err := store.AppendEntry(context.Background(), appendReq("0.01"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "e-old", e.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_AppendEntry_ConflictRollsBack(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	expectLock(mock)
	mock.ExpectQuery(`SELECT seq, id, .* FROM ledger_entries`).
		WillReturnRows(sqlmock.NewRows(entryCols).
			AddRow(2, "e-old", "u1", "0.01", "reward", "course_module", "mod_B", "0.02", false, at))
	mock.ExpectRollback()

	e, created, err := store.AppendEntry(context.Background(), appendReq("0.05"))
	assert.ErrorIs(t, err, core.ErrIdempotencyConflict)
	assert.False(t, created)
	assert.Equal(t, "0.01", e.Delta.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_AppendEntry_NegativeRollsBack(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	expectLock(mock)
	mock.ExpectQuery(`SELECT seq, id, .* FROM ledger_entries`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT balance_after FROM ledger_entries`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, _, err := store.AppendEntry(context.Background(), appendReq("-1"))
	assert.ErrorIs(t, err, core.ErrNegativeBalance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_RepairCachedBalance(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	expectLock(mock)
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(seq\), 0\) FROM ledger_entries`).
		WithArgs(core.UserID("u1")).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(7))
	mock.ExpectExec(`UPDATE ledger_balances SET balance`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), core.UserID("u1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := store.RepairCachedBalance(context.Background(), "u1", 7, decimal.RequireFromString("0.02"))
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_RepairCachedBalance_LedgerMoved(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	expectLock(mock)
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(seq\), 0\) FROM ledger_entries`).
		WithArgs(core.UserID("u1")).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(8))
	mock.ExpectCommit()

	ok, err := store.RepairCachedBalance(context.Background(), "u1", 7, decimal.RequireFromString("0.02"))
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_CreateGrant_UniqueViolation(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO badge_grants`).
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.CreateGrant(context.Background(), core.BadgeGrant{ID: "g1", UserID: "u1", BadgeID: "b1", Status: core.GrantActive})
	assert.ErrorIs(t, err, core.ErrGrantExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_TransitionGrant(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	now := time.Now().UTC()
	cols := []string{"id", "user_id", "badge_id", "status", "granted_at", "updated_at"}
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, user_id, badge_id, status, granted_at, updated_at FROM badge_grants\s+WHERE .* FOR UPDATE`).
		WithArgs(core.UserID("u1"), core.BadgeID("b1")).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("g1", "u1", "b1", "pending", now, now))
	mock.ExpectExec(`UPDATE badge_grants SET status`).
		WithArgs(core.GrantActive, sqlmock.AnyArg(), "g1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	g, err := store.TransitionGrant(context.Background(), core.GrantTransition{
		UserID: "u1", BadgeID: "b1", From: []core.GrantStatus{core.GrantPending}, To: core.GrantActive, At: now,
	})
	require.NoError(t, err)
	assert.Equal(t, core.GrantActive, g.Status)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM badge_grants`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()
	_, err = store.TransitionGrant(context.Background(), core.GrantTransition{UserID: "u1", BadgeID: "b2", To: core.GrantRevoked})
	assert.ErrorIs(t, err, core.ErrGrantNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_RevealQuest(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	at := time.Now().UTC()
	cols := []string{"user_id", "quest_id", "target_count", "current_count", "visibility", "discovered_at"}
	for _, affected := range []int64{1, 0} {
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO quest_states .* ON CONFLICT`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`UPDATE quest_states\s+SET visibility = 'discovered'`).
			WillReturnResult(sqlmock.NewResult(0, affected))
		mock.ExpectQuery(`SELECT user_id, quest_id, .* FROM quest_states`).
			WillReturnRows(sqlmock.NewRows(cols).AddRow("u1", "grove", 5, 2, "discovered", at))
		mock.ExpectCommit()
	}

	won, st, err := store.RevealQuest(context.Background(), "u1", "grove", 5, at)
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, core.QuestDiscovered, st.Visibility)

	won, _, err = store.RevealQuest(context.Background(), "u1", "grove", 5, at)
	require.NoError(t, err)
	assert.False(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_Activities(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	to := time.Now().UTC()
	cols := []string{"seq", "user_id", "kind", "value", "source_id", "occurred_at"}
	mock.ExpectQuery(`FROM activities WHERE occurred_at <= \$1 AND user_id = \$2 AND kind IN \(\$3, \$4\) ORDER BY seq`).
		WithArgs(to, core.UserID("u1"), "sale", "dispute").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(1, "u1", "sale", 10.0, "", to))

	acts, err := store.Activities(context.Background(), "u1", []string{"sale", "dispute"}, time.Time{}, to)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, 10.0, acts[0].Value)

	acts, err = store.Activities(context.Background(), "u1", []string{}, time.Time{}, to)
	require.NoError(t, err)
	assert.Empty(t, acts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_RecordActivity(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery(`INSERT INTO activities .* RETURNING seq`).
		WithArgs(core.UserID("u1"), "sale", 12.5, "order-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(7))

	act, err := store.RecordActivity(context.Background(), core.Activity{UserID: "u1", Kind: "sale", Value: 12.5, SourceID: "order-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), act.Seq)
	assert.False(t, act.At.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, storage.DefaultConfig(storage.DriverMySQL).Validate())
	assert.Error(t, storage.Config{Driver: "sqlite", DSN: "x"}.Validate())
	assert.Error(t, storage.Config{Driver: storage.DriverPostgres}.Validate())
}

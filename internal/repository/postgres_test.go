package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"dm-responder/internal/domain"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("fakeRow: column count mismatch")
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *int64:
			*p = r.values[i].(int64)
		case **int64:
			if r.values[i] == nil {
				*p = nil
				continue
			}
			v := r.values[i].(int64)
			*p = &v
		case *string:
			*p = r.values[i].(string)
		case *bool:
			*p = r.values[i].(bool)
		default:
			return errors.New("fakeRow: unsupported destination")
		}
	}
	return nil
}

type fakePG struct {
	row      fakeRow
	execErr  error
	lastSQL  string
	lastArgs []any
}

func (f *fakePG) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.lastSQL, f.lastArgs = sql, args
	return f.row
}

func (f *fakePG) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastSQL, f.lastArgs = sql, args
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func mustNewRegistry(t *testing.T, db *fakePG) *Registry {
	t.Helper()
	r, err := NewRegistry(db)
	require.NoError(t, err)
	return r
}

func TestNewRegistry_NilDB(t *testing.T) {
	_, err := NewRegistry(nil)
	require.Error(t, err)
}

func TestGetAccount_HappyPath(t *testing.T) {
	db := &fakePG{row: fakeRow{values: []any{int64(7), int64(3), "acct-1", true}}}
	r := mustNewRegistry(t, db)

	acct, err := r.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(7), acct.ID)
	require.Equal(t, int64(3), *acct.ClientID)
	require.True(t, acct.BotEnabled)
	require.Equal(t, []any{"acct-1"}, db.lastArgs)
	require.Contains(t, db.lastSQL, "mfai_app.instagram_accounts")
}

func TestGetAccount_NullClient(t *testing.T) {
	db := &fakePG{row: fakeRow{values: []any{int64(7), nil, "acct-1", false}}}
	acct, err := mustNewRegistry(t, db).GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Nil(t, acct.ClientID)
	require.False(t, acct.BotEnabled)
}

func TestLookups_NotFound(t *testing.T) {
	r := mustNewRegistry(t, &fakePG{row: fakeRow{err: pgx.ErrNoRows}})

	_, err := r.GetAccount(context.Background(), "x")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = r.ActiveToken(context.Background(), "x")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = r.SystemPrompt(context.Background(), 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLookups_QueryError(t *testing.T) {
	r := mustNewRegistry(t, &fakePG{row: fakeRow{err: errors.New("conn reset")}})

	_, err := r.GetAccount(context.Background(), "x")
	require.ErrorContains(t, err, "GetAccount")
	require.NotErrorIs(t, err, ErrNotFound)
	_, err = r.ActiveToken(context.Background(), "x")
	require.ErrorContains(t, err, "ActiveToken")
	_, err = r.SystemPrompt(context.Background(), 1)
	require.ErrorContains(t, err, "SystemPrompt")
}

func TestActiveToken(t *testing.T) {
	db := &fakePG{row: fakeRow{values: []any{"EAAG-token"}}}
	tok, err := mustNewRegistry(t, db).ActiveToken(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Equal(t, "EAAG-token", tok)
	require.Contains(t, db.lastSQL, "t.active = TRUE")

	db = &fakePG{row: fakeRow{values: []any{"  "}}}
	_, err = mustNewRegistry(t, db).ActiveToken(context.Background(), "acct-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSystemPrompt(t *testing.T) {
	db := &fakePG{row: fakeRow{values: []any{"Sei l'assistente del salone."}}}
	p, err := mustNewRegistry(t, db).SystemPrompt(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, "Sei l'assistente del salone.", p)
	require.Equal(t, []any{int64(3)}, db.lastArgs)
}

func TestAppendLog(t *testing.T) {
	db := &fakePG{}
	r := mustNewRegistry(t, db)
	id := int64(7)

	err := r.AppendLog(context.Background(), domain.LogRecord{
		AccountID: &id,
		Direction: domain.DirectionOut,
		Payload:   json.RawMessage(`{"skip":"no_token"}`),
	})
	require.NoError(t, err)
	require.Equal(t, []any{&id, "out", `{"skip":"no_token"}`}, db.lastArgs)
}

func TestAppendLog_Errors(t *testing.T) {
	r := mustNewRegistry(t, &fakePG{execErr: errors.New("boom")})
	require.ErrorContains(t, r.AppendLog(context.Background(), domain.LogRecord{Direction: domain.DirectionIn}), "AppendLog")
	require.ErrorContains(t, r.AppendLog(context.Background(), domain.LogRecord{Direction: "sideways"}), "invalid direction")
}

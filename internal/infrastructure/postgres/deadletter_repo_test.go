package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/ikanisa/easymo-sub022/internal/domain/event"
	"github.com/ikanisa/easymo-sub022/internal/infrastructure/postgres"
)

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *postgres.DeadLetterRepository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, postgres.NewDeadLetterRepository(mock)
}

func deadLetter() event.DeadLetterRecord {
	env := &event.Envelope{
		ID:         "wh-1",
		Headers:    map[string]string{event.HeaderCorrelationID: "corr-1"},
		Body:       json.RawMessage(`{"amount":10}`),
		RetryCount: 3,
	}
	return event.NewDeadLetterRecord(env, errors.New("downstream 500"), time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
}

func TestDeadLetterRepository_EnsureSchema(t *testing.T) {
	mock, repo := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS dead_letters")).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, repo.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterRepository_Archive(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "new record", affected: 1, want: true},
		{name: "already archived", affected: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, repo := newMock(t)
			rec := deadLetter()

			mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dead_letters")).
				WithArgs(pgxmock.AnyArg(), "webhooks.dlq", "wh-1", pgxmock.AnyArg(), pgxmock.AnyArg(),
					"downstream 500", 3, postgres.ResolutionPending, rec.DeadLetteredAt).
				WillReturnResult(pgxmock.NewResult("INSERT", tt.affected))

			got, err := repo.Archive(context.Background(), "webhooks.dlq", rec)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestDeadLetterRepository_ArchiveError(t *testing.T) {
	mock, repo := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dead_letters")).
		WillReturnError(errors.New("connection reset"))

	_, err := repo.Archive(context.Background(), "webhooks.dlq", deadLetter())
	require.ErrorContains(t, err, "insert dead letter")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterRepository_Resolve(t *testing.T) {
	mock, repo := newMock(t)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE dead_letters")).
		WithArgs(postgres.ResolutionReprocessed, id, postgres.ResolutionPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE dead_letters")).
		WithArgs(postgres.ResolutionDiscarded, id, postgres.ResolutionPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, repo.Resolve(context.Background(), id, postgres.ResolutionReprocessed))
	require.ErrorContains(t, repo.Resolve(context.Background(), id, postgres.ResolutionDiscarded), "already resolved")
	require.Error(t, repo.Resolve(context.Background(), id, "bogus"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterRepository_ListPendingQueryError(t *testing.T) {
	mock, repo := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM dead_letters")).
		WithArgs(postgres.ResolutionPending, 10).
		WillReturnError(errors.New("timeout"))

	_, err := repo.ListPending(context.Background(), 10)
	require.ErrorContains(t, err, "query dead letters")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfig_DSN(t *testing.T) {
	cfg := postgres.Config{Host: "db", Port: "5432", User: "app", Password: "p@ss", DBName: "pipeline"}
	require.Equal(t, "postgres://app:p%40ss@db:5432/pipeline?sslmode=disable", cfg.DSN())
}

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
)

func sampleAttempts() []crawler.ExtractionAttempt {
	start := time.Unix(1700000000, 0).UTC()
	return []crawler.ExtractionAttempt{
		{
			RunID:      "run-1",
			Dataset:    "local-news",
			Method:     crawler.MethodStructured,
			URL:        "https://news.example.com/a",
			Host:       "news.example.com",
			StartedAt:  start,
			FinishedAt: start.Add(time.Second),
			Outcome:    crawler.OutcomeBotProtection,
			StatusCode: 403,
			Note:       "cloudflare-challenge",
		},
		{
			RunID:      "run-1",
			Dataset:    "local-news",
			Method:     crawler.MethodHeadless,
			URL:        "https://news.example.com/a",
			Host:       "news.example.com",
			StartedAt:  start.Add(time.Second),
			FinishedAt: start.Add(5 * time.Second),
			Outcome:    crawler.OutcomeSuccess,
			StatusCode: 200,
			Fields:     crawler.Fields{Title: true, Body: true},
			Proxy:      "residential",
		},
	}
}

func TestInsertAttemptsCopiesRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewAttemptStoreWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectCopyFrom(pgx.Identifier{"extraction_attempts"}, attemptColumns).
		WillReturnResult(2)

	require.NoError(t, store.InsertAttempts(context.Background(), sampleAttempts()))
	require.NoError(t, store.InsertAttempts(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAttemptsReportsShortCopy(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewAttemptStoreWithPool(mock, "attempts_2024")
	require.NoError(t, err)

	mock.ExpectCopyFrom(pgx.Identifier{"attempts_2024"}, attemptColumns).WillReturnResult(1)
	require.ErrorContains(t, store.InsertAttempts(context.Background(), sampleAttempts()), "wrote 1 of 2")

	mock.ExpectCopyFrom(pgx.Identifier{"attempts_2024"}, attemptColumns).WillReturnError(errors.New("conn reset"))
	require.ErrorContains(t, store.InsertAttempts(context.Background(), sampleAttempts()), "conn reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaAndPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewAttemptStoreWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS extraction_attempts").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectPing()

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTableNameValidation(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewAttemptStoreWithPool(mock, "attempts; DROP TABLE x")
	require.ErrorContains(t, err, "invalid table name")
	_, err = NewAttemptStoreWithPool(nil, "")
	require.Error(t, err)
	_, err = NewAttemptStore(context.Background(), Config{})
	require.ErrorContains(t, err, "dsn is required")
}

func TestAttemptRowNullsMissingStatus(t *testing.T) {
	t.Parallel()

	row := attemptRow(crawler.ExtractionAttempt{Method: crawler.MethodReadability, Outcome: crawler.OutcomeTransient})
	require.Len(t, row, len(attemptColumns))
	require.Nil(t, row[8])
	require.Equal(t, "readability", row[2])
}

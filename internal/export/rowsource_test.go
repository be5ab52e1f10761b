package export

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func float64Ptr(v float64) *float64 { return &v }

func TestBuildWhere(t *testing.T) {
	tests := []struct {
		name     string
		filters  Filters
		wantSQL  string
		wantArgs []interface{}
	}{
		{
			name:    "no filters",
			filters: Filters{},
			wantSQL: "",
		},
		{
			name:     "country only",
			filters:  Filters{CountryCode: "US"},
			wantSQL:  " WHERE country_code = $1",
			wantArgs: []interface{}{"US"},
		},
		{
			name:     "tier only",
			filters:  Filters{SubscriptionTier: "premium"},
			wantSQL:  " WHERE subscription_tier = $1",
			wantArgs: []interface{}{"premium"},
		},
		{
			name:     "all filters AND-combined",
			filters:  Filters{CountryCode: "DE", SubscriptionTier: "free", MinLTV: float64Ptr(10.5)},
			wantSQL:  " WHERE country_code = $1 AND subscription_tier = $2 AND lifetime_value >= $3",
			wantArgs: []interface{}{"DE", "free", 10.5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args := buildWhere(tt.filters)
			assert.Equal(t, tt.wantSQL, where)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestBuildQueries(t *testing.T) {
	query, args := buildCountQuery(Filters{CountryCode: "GB"})
	assert.Equal(t, "SELECT COUNT(*) FROM users WHERE country_code = $1", query)
	assert.Equal(t, []interface{}{"GB"}, args)

	query, args = buildSelectQuery(Filters{}, []string{"id", "email"})
	assert.Equal(t, "SELECT id, email FROM users", query)
	assert.Empty(t, args)
}

func TestCountRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM users WHERE country_code = $1")).
		WithArgs("US").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	total, err := CountRows(context.Background(), db, Filters{CountryCode: "US"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRowSourceFetchesBatchesThroughCursor(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cursor := "export_cursor_test"
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DECLARE "export_cursor_test" NO SCROLL CURSOR FOR SELECT id, email FROM users`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FETCH FORWARD 2 FROM "export_cursor_test"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).
			AddRow(int64(1), "a@x.com").
			AddRow(int64(2), "b@x.com"))
	mock.ExpectQuery(regexp.QuoteMeta(`FETCH FORWARD 2 FROM "export_cursor_test"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}))
	mock.ExpectExec(regexp.QuoteMeta(`CLOSE "export_cursor_test"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	src, err := OpenRowSource(context.Background(), db, Filters{}, []string{"id", "email"}, 2, cursor)
	require.NoError(t, err)

	batch, err := src.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, Record{"id": "1", "email": "a@x.com"}, batch[0])
	assert.Equal(t, Record{"id": "2", "email": "b@x.com"}, batch[1])

	batch, err = src.Next(context.Background())
	require.NoError(t, err)
	assert.Empty(t, batch)

	require.NoError(t, src.Close())
	assert.NoError(t, src.Close(), "double close is safe")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRowSourceReleasesConnectionOnDeclareError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DECLARE").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err = OpenRowSource(context.Background(), db, Filters{}, []string{"id"}, 10, "c")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRowSourceFetchErrorPropagates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DECLARE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FETCH FORWARD").WillReturnError(assert.AnError)
	mock.ExpectExec("CLOSE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	src, err := OpenRowSource(context.Background(), db, Filters{}, []string{"id"}, 10, "c")
	require.NoError(t, err)

	_, err = src.Next(context.Background())
	require.Error(t, err)
	require.NoError(t, src.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "", formatValue(nil))
	assert.Equal(t, "hello", formatValue("hello"))
	assert.Equal(t, "hello", formatValue([]byte("hello")))
	assert.Equal(t, "42", formatValue(int64(42)))
	assert.Equal(t, "12.5", formatValue(12.5))
	assert.Equal(t, "true", formatValue(true))

	ts := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-15T10:30:00Z", formatValue(ts))

	// fractional seconds survive when the source has them
	tsFrac := time.Date(2024, 3, 15, 10, 30, 0, 250000000, time.UTC)
	assert.Equal(t, "2024-03-15T10:30:00.25Z", formatValue(tsFrac))

	// non-UTC timestamps normalize to UTC
	est := time.FixedZone("EST", -5*3600)
	tsEST := time.Date(2024, 3, 15, 5, 30, 0, 0, est)
	assert.Equal(t, "2024-03-15T10:30:00Z", formatValue(tsEST))
}

func TestCursorNameForJob(t *testing.T) {
	name := cursorNameForJob("9b2d6f3a-1c4e-4a2b-8f0d-3e5a7c9b1d2f")
	assert.Equal(t, "export_cursor_9b2d6f3a_1c4e_4a2b_8f0d_3e5a7c9b1d2f", name)
}

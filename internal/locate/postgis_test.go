package locate

import (
	"database/sql"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/partd-geo/internal/refdata"
)

func countyRows(statefp, countyfp, name sql.NullString) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"statefp", "countyfp", "name"}).AddRow(statefp, countyfp, name)
}

func valid(s string) sql.NullString { return sql.NullString{String: s, Valid: true} }

func TestPostGIS_Locate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`FROM tiger\.county`).
		WithArgs(-72.1, 41.35).
		WillReturnRows(countyRows(valid("09"), valid("011"), valid("New London")))

	c, ok := NewPostGIS(mock, nil).Locate(41.35, -72.1)
	require.True(t, ok)
	assert.Equal(t, "09011", c.FIPS)
	assert.Equal(t, "09", c.StateFIPS)
	assert.Equal(t, "New London", c.Name)
	assert.Equal(t, "CT", c.State())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostGIS_NoRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`FROM tiger\.county`).
		WithArgs(-40.0, 30.0).
		WillReturnError(pgx.ErrNoRows)

	_, ok := NewPostGIS(mock, nil).Locate(30.0, -40.0)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostGIS_OutsideUniverse(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`FROM tiger\.county`).
		WithArgs(-146.0, 60.5).
		WillReturnRows(countyRows(valid("02"), valid("063"), valid("Chugach")))

	_, ok := NewPostGIS(mock, refdata.NewCountyUniverse("09011")).Locate(60.5, -146.0)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostGIS_NullFIPS(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`FROM tiger\.county`).
		WithArgs(-72.1, 41.35).
		WillReturnRows(countyRows(sql.NullString{}, valid("011"), sql.NullString{}))

	_, ok := NewPostGIS(mock, nil).Locate(41.35, -72.1)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostGIS_QueryError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`FROM tiger\.county`).
		WithArgs(-72.1, 41.35).
		WillReturnError(assert.AnError)

	_, ok := NewPostGIS(mock, nil).Locate(41.35, -72.1)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

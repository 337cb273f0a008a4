package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadConfig(t *testing.T) {
	p := writeConfig(t, `
mode: dev
database:
  host: db.local
  port: 3306
  user: scaa
  dbname: scaa
session:
  token_ttl: 10s
auth:
  jwt_secret: from-file
`)
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("DB_PORT", "3307")

	cfg, err := LoadConfig(p)
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Mode)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 3307, cfg.DB.Port)
	assert.Equal(t, "db.local", cfg.DB.Host)
	assert.Equal(t, 10*time.Second, cfg.Session.TokenTTL)
	// 既定値
	assert.Equal(t, 15*time.Minute, cfg.Session.MaxDuration)
	assert.Equal(t, ":8443", cfg.Server.Addr)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, "people.db", cfg.Roster.Path)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "mode: [dev"))
	assert.Error(t, err)
}

func TestRunInTx(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE t`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	err = RunInTx(ctx, conn, nil, func(ctx context.Context, tx DBTX) error {
		_, err := tx.ExecContext(ctx, `UPDATE t SET x = 1`)
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()
	err = RunInTx(ctx, conn, nil, func(context.Context, DBTX) error { return boom })
	assert.ErrorIs(t, err, boom)

	assert.NoError(t, mock.ExpectationsWereMet())
}

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MacJediWizard/dentalnotes/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{"memory", KindMemory, false},
		{"memory://", KindMemory, false},
		{"sqlite:///var/lib/dentalnotes/licenses.db", KindSQLite, false},
		{"sqlite:licenses.db", KindSQLite, false},
		{"postgres://u:p@localhost/db", KindPostgres, false},
		{"postgresql://localhost/db", KindPostgres, false},
		{"mysql://u:p@localhost/db", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := Kind(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKind_RedactsCredentials(t *testing.T) {
	_, err := Kind("mysql://root:hunter2@db:3306/app")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "hunter2")
	assert.Contains(t, err.Error(), "db:3306/app")
}

func TestOpen_Memory(t *testing.T) {
	b, err := Open(context.Background(), "memory", zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, KindMemory, b.Kind)
	assert.Nil(t, b.Health)
	require.NotNil(t, b.Store)
}

func TestOpen_SQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "licenses.db")

	b, err := Open(ctx, "sqlite://"+path, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, KindSQLite, b.Kind)
	require.NotNil(t, b.Health)
	require.NoError(t, b.Health.Ping(ctx))

	_, err = b.Store.UpsertLicense(ctx, models.LicenseGrant{
		UserID: "user_1", Email: "dr@clinic.example", PlanType: models.PlanStarter, NotesLimit: 2,
	}, time.Now().UTC(), 24*time.Hour)
	require.NoError(t, err)

	lic, err := b.Store.ConsumeNote(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, 1, lic.NotesUsed)
}

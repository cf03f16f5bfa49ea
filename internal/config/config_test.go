package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Minimal(t *testing.T) {
	path := writeConfig(t, `
port: 8080
apiKey: secret
region: us-east-1
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, StorageFile, cfg.CredentialStorageType)
	assert.Equal(t, "credentials.json", cfg.CredentialsFile)
	assert.Equal(t, DefaultKiroVersion, cfg.KiroVersion)
	assert.Equal(t, "kiro_credentials", cfg.Postgres.TableName)
	assert.False(t, cfg.AdminEnabled())
}

func TestLoad_MissingRequired(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing apiKey",
			content: "port: 8080\nregion: us-east-1\n",
			wantErr: "apiKey",
		},
		{
			name:    "missing region",
			content: "port: 8080\napiKey: k\n",
			wantErr: "region",
		},
		{
			name:    "bad port",
			content: "port: 0\napiKey: k\nregion: us-east-1\n",
			wantErr: "port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_DatabaseStorageRequiresURL(t *testing.T) {
	_, err := Load(writeConfig(t, `
port: 8080
apiKey: k
region: us-east-1
credentialStorageType: database
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres.databaseUrl")
}

func TestLoad_InvalidMachineID(t *testing.T) {
	_, err := Load(writeConfig(t, `
port: 8080
apiKey: k
region: us-east-1
machineId: NOT-HEX
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "machineId")
}

func TestLoad_DatabaseStorage(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
port: 9000
apiKey: k
region: eu-west-1
adminApiKey: admin
credentialStorageType: database
credentialSyncIntervalSecs: 30
postgres:
  databaseUrl: postgres://localhost/kiro
  maxConnections: 10
`))
	require.NoError(t, err)

	assert.Equal(t, StorageDatabase, cfg.CredentialStorageType)
	assert.Equal(t, 10, cfg.Postgres.MaxConnections)
	assert.Equal(t, 30, cfg.CredentialSyncIntervalSecs)
	assert.True(t, cfg.AdminEnabled())
}

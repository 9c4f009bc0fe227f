package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "storage.googleapis.com", want: "storage.googleapis.com"},
		{in: "localhost:9000", want: "localhost:9000"},
		{in: "https://storage.googleapis.com", want: "storage.googleapis.com"},
		{in: "http://localhost:9000/", want: "localhost:9000"},
		{in: "http://localhost:9000/bucket", wantErr: true},
		{in: "localhost:9000/bucket", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := cleanEndpoint(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestNewSelectsDriver(t *testing.T) {
	c, err := New(context.Background(), Config{Driver: DriverS3, AccessKey: "k", SecretKey: "s", Secure: true})
	require.NoError(t, err)
	assert.IsType(t, &MinIOClient{}, c)

	_, err = New(context.Background(), Config{Driver: "ftp"})
	assert.Error(t, err)
}

func TestURI(t *testing.T) {
	assert.Equal(t, "gs://madcap-backup/2017/x.Users.backup_info", URI("madcap-backup", "2017/x.Users.backup_info"))
}

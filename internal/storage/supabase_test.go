package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)

	_, err = New(Config{URL: "https://example.supabase.co"}, nil)
	require.Error(t, err)
}

func TestNew_DefaultsBucket(t *testing.T) {
	a, err := New(Config{URL: "https://example.supabase.co", ServiceRoleKey: "service-key"}, nil)
	require.NoError(t, err)
	require.Equal(t, "transcripts", a.bucket)
}

package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf).With().Str("request_id", "r-1").Logger()
	ctx := WithContext(context.Background(), &l)

	FromContext(ctx).Info().Msg("hello")
	assert.Contains(t, buf.String(), `"request_id":"r-1"`)
	assert.NotNil(t, FromContext(context.Background()))
}

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	l, err := Init(Config{Level: "debug", Format: "json", Output: path, Fields: map[string]string{"service": "rewardkit"}})
	require.NoError(t, err)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	l.Debug().Msg("written")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"service":"rewardkit"`)
	assert.Contains(t, string(data), "written")
}

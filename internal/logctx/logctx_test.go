package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContextWithoutLoggerIsDisabled(t *testing.T) {
	logger := FromContext(context.Background())
	assert.False(t, logger.Info().Enabled())
}

func TestWithPartitionAddsFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&buf, "debug", false)
	ctx := WithPartition(WithLogger(context.Background(), base), "storeA_v1", 3)

	logger := FromContext(ctx)
	logger.Info().Msg("closed partition")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "storeA_v1", line["stream"])
	assert.Equal(t, float64(3), line["partition"])
	assert.Equal(t, "closed partition", line["message"])
}

func TestNewUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "chatty", false)
	logger.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())
	logger.Info().Msg("shown")
	assert.NotZero(t, buf.Len())
}

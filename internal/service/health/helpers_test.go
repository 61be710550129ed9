package health

import (
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedAgentID(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse("6b1de3a1-7a4e-4f07-9f34-5a1f2dd0a001")
	require.NoError(t, err)
	return id
}

package telemetry

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracer_ExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracer("scrapi-test", &buf, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	_, span := Tracer().Start(t.Context(), "capture")
	span.End()

	require.NoError(t, shutdown(t.Context()))
	assert.Contains(t, buf.String(), `"Name":"capture"`)
	assert.Contains(t, buf.String(), "scrapi-test")
}

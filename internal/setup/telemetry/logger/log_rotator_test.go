package logger_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethoslink/rolesync/internal/setup/telemetry/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBuffer(t *testing.T) {
	t.Parallel()

	rb := logger.NewRingBuffer(3)
	assert.Empty(t, rb.Lines())

	rb.Push("a")
	rb.Push("b")
	assert.Equal(t, []string{"a", "b"}, rb.Lines())

	rb.Push("c")
	rb.Push("d")
	rb.Push("e")
	assert.Equal(t, []string{"c", "d", "e"}, rb.Lines())
	assert.Equal(t, 3, rb.Len())
	assert.Equal(t, 3, rb.Cap())
}

func TestLogRotatorCompactsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "main.log")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)

	rotator := logger.NewLogRotator(file, 5, path)
	t.Cleanup(func() { _ = rotator.Sync() })

	for i := range 10 {
		_, err := fmt.Fprintf(rotator, "line %d\n", i)
		require.NoError(t, err)
	}

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	assert.Equal(t, []string{"line 5", "line 6", "line 7", "line 8", "line 9"}, lines)

	// Writes after compaction append to the new file
	_, err = fmt.Fprintln(rotator, "line 10")
	require.NoError(t, err)

	content, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(content), "line 9\nline 10\n"))
}

func TestLogRotatorMultiLineWrite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "db.log")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)

	rotator := logger.NewLogRotator(file, 2, path)

	_, err = rotator.Write([]byte("a\nb\n\nc\nd\n"))
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "c\nd\n", string(content))
}

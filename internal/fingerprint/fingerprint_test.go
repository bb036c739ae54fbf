package fingerprint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunIDIsSanitized(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	id := RunID(now, []string{"/usr/local/bin/jetstream run", "--config=x.yaml"})

	assert.NotContains(t, id, " ")
	assert.NotContains(t, id, "/")
	assert.Contains(t, id, "20260731T120000Z")
}

func TestRunIDDiffersByTimestamp(t *testing.T) {
	a := RunID(time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC), []string{"jetstream"})
	b := RunID(time.Date(2026, 7, 31, 12, 0, 1, 0, time.UTC), []string{"jetstream"})
	assert.NotEqual(t, a, b)
}

func TestRunIDFallsBackWithoutArgv(t *testing.T) {
	id := RunID(time.Now(), nil)
	assert.Contains(t, id, "jetstream")
}

package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewWritesToProvidedStream(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Config{Level: "debug"})

	l.Infof("hello %s", "world")

	assert.Contains(t, buf.String(), "hello world")
}

func TestWithFieldsCarriesAcrossCalls(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Config{Level: "info"}).WithFields(map[string]any{"shard_id": "shard-000"})

	l.Warnf("lease expired")

	assert.Contains(t, buf.String(), "shard_id=shard-000")
}

func TestNoopDiscardsOutput(t *testing.T) {
	l := Noop()
	assert.NotPanics(t, func() {
		l.Errorf("should not print anywhere")
	})
}

func TestUnparseableLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Config{Level: "not-a-level"})

	l.Debugf("should be suppressed")
	l.Infof("should appear")

	assert.NotContains(t, buf.String(), "should be suppressed")
	assert.Contains(t, buf.String(), "should appear")
}

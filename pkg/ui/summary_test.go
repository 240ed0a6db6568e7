package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummaryPlain(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)

	p.Summary("Run run-1", []Row{
		{Target: "alice", State: "Done", NewFollowsFound: 2, EdgesWritten: 2, Duration: 1500 * time.Millisecond},
		{Target: "bob", State: "Failed", Errors: []string{"extraction failed"}},
	})

	out := buf.String()
	assert.NotContains(t, out, "\x1b[", "no escape codes with color off")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "Run run-1", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "TARGET  STATE"))
	assert.Equal(t, "alice   Done    2    2        0       1.5s", lines[2])
	assert.True(t, strings.HasPrefix(lines[3], "bob     Failed"))
	assert.Equal(t, "2 targets, 2 new follows, 2 edges written, 0 failed", lines[4])
	assert.Equal(t, "bob: extraction failed", lines[5])
}

func TestSummaryEmpty(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, false).Summary("Run run-2", nil)
	assert.Equal(t, "no targets processed\n", buf.String())
}

func TestPrinterLines(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)
	p.Info("Target", "alice")
	p.Error("sync failed", assert.AnError)
	p.Error("plain", nil)

	assert.Equal(t, "Target: alice\nsync failed: "+assert.AnError.Error()+"\nplain\n", buf.String())
}

package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintTable_AlignsColumns(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printTable(&buf, []string{"ID", "OP"}, [][]string{
		{"rx-1", "create"},
		{"rx-12345", "update"},
	})

	assert.Equal(t, "ID        OP\nrx-1      create\nrx-12345  update\n", buf.String())
}

func TestPrintTable_NoRows(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printTable(&buf, []string{"QUEUED", "OP"}, nil)

	assert.Equal(t, "QUEUED  OP\n", buf.String())
}

func TestPrintJSON_Indented(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, map[string]int{"queued": 2}))

	assert.Equal(t, "{\n  \"queued\": 2\n}\n", buf.String())

	var back map[string]int
	require.NoError(t, json.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, 2, back["queued"])
}

func TestFormatTime(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "-", formatTime(time.Time{}))

	old := time.Date(2019, time.March, 4, 10, 0, 0, 0, time.Local)
	assert.Equal(t, "Mar  4  2019", formatTime(old))

	now := time.Now()
	recent := time.Date(now.Year(), time.January, 15, 9, 30, 0, 0, time.Local)
	assert.Equal(t, "Jan 15 09:30", formatTime(recent))
}

func TestFormatAge(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{"zero", time.Time{}, "never"},
		{"seconds", now.Add(-30 * time.Second), "just now"},
		{"minutes", now.Add(-5 * time.Minute), "5m ago"},
		{"hours", now.Add(-3 * time.Hour), "3h ago"},
		{"days", now.Add(-50 * time.Hour), "2d ago"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, formatAge(tt.t, now))
		})
	}
}

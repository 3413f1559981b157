package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/gmsas95/dosewatch/internal/ledger"
	"github.com/gmsas95/dosewatch/internal/tracker"
)

func sampleEntries() []ledger.Entry {
	resolved := time.Date(2024, 3, 10, 8, 3, 0, 0, time.UTC)
	return []ledger.Entry{{
		ID:             "e1",
		MedicationID:   "m1",
		MedicationName: "Paracetamol 500mg",
		ScheduledTime:  time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC),
		Status:         ledger.StatusTaken,
		ResolvedAt:     &resolved,
	}}
}

func TestWriteHistoryYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeHistory(&buf, sampleEntries(), "yaml"))

	var out []map[string]string
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "Paracetamol 500mg", out[0]["medication"])
	assert.Equal(t, "taken", out[0]["status"])
	assert.Equal(t, "2024-03-10T08:00:00Z", out[0]["scheduled_time"])
}

func TestWriteHistoryJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeHistory(&buf, sampleEntries(), "json"))
	assert.Contains(t, buf.String(), `"medicationName": "Paracetamol 500mg"`)

	buf.Reset()
	require.NoError(t, writeHistory(&buf, nil, "json"))
	assert.Equal(t, "[]\n", buf.String())
}

func TestWriteHistoryUnknownFormat(t *testing.T) {
	assert.Error(t, writeHistory(&bytes.Buffer{}, nil, "csv"))
}

func TestRangeFlags(t *testing.T) {
	r, err := rangeFlags{from: "2024-03-01", to: "2024-03-10"}.parse(time.UTC)
	require.NoError(t, err)
	assert.True(t, r.From.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, r.Contains(time.Date(2024, 3, 10, 23, 59, 0, 0, time.UTC)))
	assert.False(t, r.Contains(time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)))

	_, err = rangeFlags{from: "March"}.parse(time.UTC)
	assert.Error(t, err)
}

func TestWriteSlots(t *testing.T) {
	var buf bytes.Buffer
	writeSlots(&buf, nil)
	assert.Equal(t, "No doses scheduled today.\n", buf.String())

	buf.Reset()
	writeSlots(&buf, []tracker.DoseSlot{{Slot: "08:00", MedicationName: "Paracetamol 500mg", Dosage: "500mg", Status: ledger.StatusMissed}})
	assert.Contains(t, buf.String(), "08:00")
	assert.Contains(t, buf.String(), "missed")
}

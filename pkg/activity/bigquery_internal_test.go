package activity

import (
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRow_Save(t *testing.T) {
	ts := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	row, err := newEventRow(Event{
		ID:        "evt-7",
		Type:      TypeCacheWrite,
		Source:    "fred",
		Status:    StatusError,
		Message:   "write failed",
		Metadata:  map[string]interface{}{"key": "fred:DGS10"},
		Timestamp: ts,
	})
	require.NoError(t, err)

	values, insertID, err := row.Save()
	require.NoError(t, err)

	assert.Equal(t, "evt-7", insertID, "event ID is the de-duplication key")
	assert.Equal(t, "cache_write", values["activity_type"])
	assert.Equal(t, `{"key":"fred:DGS10"}`, values["metadata"])
	assert.Equal(t, ts, values["timestamp"])
}

func TestEventRow_EmptyMetadata(t *testing.T) {
	row, err := newEventRow(Event{ID: "evt-8", Type: TypeCacheHit})
	require.NoError(t, err)
	assert.Empty(t, row.Metadata)
}

func TestEventRow_SchemaMatchesSave(t *testing.T) {
	schema, err := bigquery.InferSchema(eventRow{})
	require.NoError(t, err)

	values, _, err := (&eventRow{}).Save()
	require.NoError(t, err)

	require.Len(t, schema, len(values))
	for _, field := range schema {
		assert.Contains(t, values, field.Name)
	}
}

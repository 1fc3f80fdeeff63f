package cloudevent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStampsEnvelope(t *testing.T) {
	e := New("harness/abc", "order.created", "orders", "corr-1", "1.0")

	require.NoError(t, e.Validate())
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "1.0", e.SpecVersion)
	assert.Equal(t, "order.created", e.Type)
	assert.Equal(t, "orders", e.Subject)
	assert.Equal(t, "corr-1", e.CorrelationID)
	assert.Equal(t, "application/json", e.DataContentType)
	assert.NotZero(t, e.TimeEpochMicroSource)
}

func TestValidateRejectsMissingAttributes(t *testing.T) {
	base := New("s", "t", "sub", "c", "1.0")

	for _, tc := range []struct {
		name   string
		mutate func(*Event)
	}{
		{"id", func(e *Event) { e.ID = "" }},
		{"type", func(e *Event) { e.Type = "" }},
		{"correlationid", func(e *Event) { e.CorrelationID = "" }},
		{"specversion", func(e *Event) { e.SpecVersion = "" }},
	} {
		e := base
		tc.mutate(&e)
		assert.ErrorContains(t, e.Validate(), tc.name)
	}
}

func TestMapRoundTrip(t *testing.T) {
	e := New("harness/abc", "order.created", "orders", "corr-2", "2.1")

	got, err := FromMap(e.ToMap())
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestFromMapNumericWidths(t *testing.T) {
	base := New("s", "t", "sub", "c", "1.0").ToMap()

	for _, v := range []interface{}{int64(42), int32(42), int(42), float64(42), json.Number("42")} {
		m := make(map[string]interface{}, len(base))
		for k, val := range base {
			m[k] = val
		}
		m["time_epoch_micro_source"] = v
		e, err := FromMap(m)
		require.NoError(t, err)
		assert.Equal(t, int64(42), e.TimeEpochMicroSource)
	}

	// json.Number carries the full int64 range where float64 cannot.
	m := make(map[string]interface{}, len(base))
	for k, val := range base {
		m[k] = val
	}
	m["time_epoch_micro_source"] = json.Number("9223372036854775807")
	e, err := FromMap(m)
	require.NoError(t, err)
	assert.Equal(t, int64(9223372036854775807), e.TimeEpochMicroSource)

	m["time_epoch_micro_source"] = "not-a-number"
	_, err = FromMap(m)
	assert.Error(t, err)

	m["time_epoch_micro_source"] = json.Number("12.5")
	_, err = FromMap(m)
	assert.Error(t, err)
}

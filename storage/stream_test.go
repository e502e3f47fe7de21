package storage

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"porsche-tracker/models"
)

func TestNotifyPayloadFits(t *testing.T) {
	ev := models.AlertEvent{
		ID:       "a",
		Kind:     models.AlertPriceDrop,
		NewPrice: 379_900_00,
		Listing:  models.Listing{ID: "L1", Model: "911", DealerName: strings.Repeat("x", 9000)},
	}
	for i := 0; i < 3; i++ {
		ev.Results = append(ev.Results, models.ChannelResult{Channel: "sms:+1555", OK: true})
	}

	payload, err := notifyPayload(ev)
	require.NoError(t, err)
	assert.Less(t, len(payload), maxNotifyPayload)

	var back models.AlertEvent
	require.NoError(t, json.Unmarshal([]byte(payload), &back))
	assert.Equal(t, "L1", back.Listing.ID)
	assert.Equal(t, int64(379_900_00), back.NewPrice)
	assert.Empty(t, back.Results)
}

func TestNotifyPayloadSmallEventUntouched(t *testing.T) {
	ev := models.AlertEvent{ID: "a", Results: []models.ChannelResult{{Channel: "log:", OK: true}}}
	payload, err := notifyPayload(ev)
	require.NoError(t, err)
	assert.Contains(t, payload, `"channel_results"`)
}

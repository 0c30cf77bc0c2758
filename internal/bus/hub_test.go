package bus

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deriv/fraud-triage/internal/models"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Wait until the hub has registered the client.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, hub.ClientCount())

	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestPublishCaseReachesSubscriber(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	conn := dialHub(t, hub)

	hub.PublishCase(&models.FraudCase{
		CaseID: "CASE-1-0",
		UserID: "u1",
		Status: models.StatusUnderInvestigation,
	})

	frame := readFrame(t, conn)
	assert.Equal(t, TopicQueue, frame.Topic)

	payload, ok := frame.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "CASE-1-0", payload["caseId"])
	assert.Equal(t, "UNDER_INVESTIGATION", payload["status"])
}

func TestPublishStatsReachesSubscriber(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	conn := dialHub(t, hub)

	hub.PublishStats(&models.StatsFrame{
		TotalCases:   10,
		AutoApproved: 6,
		AutoBlocked:  2,
		ManualCases:  2,
		TPS:          100,
	})

	frame := readFrame(t, conn)
	assert.Equal(t, TopicStats, frame.Topic)

	payload, ok := frame.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(10), payload["total_cases"])
	assert.Equal(t, float64(100), payload["tps"])
}

func TestFramesCarryTheirTopic(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	conn := dialHub(t, hub)

	hub.PublishCase(&models.FraudCase{CaseID: "CASE-1-0", Status: models.StatusAutoBlocked})
	hub.PublishStats(&models.StatsFrame{TotalCases: 1})

	first := readFrame(t, conn)
	second := readFrame(t, conn)

	topics := []string{first.Topic, second.Topic}
	assert.Contains(t, topics, TopicQueue)
	assert.Contains(t, topics, TopicStats)
}

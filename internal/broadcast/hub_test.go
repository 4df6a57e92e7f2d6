package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelpipe/backend/internal/storage/models"
)

type fakeConn struct {
	writes    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	failWrite bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{writes: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	<-f.closed
	return 0, nil, errors.New("closed")
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	if f.failWrite {
		return errors.New("broken pipe")
	}
	f.writes <- data
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func startHub(t *testing.T, buffer int) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(buffer)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Clients() == n }, time.Second, 5*time.Millisecond)
}

func receive(t *testing.T, c *fakeConn) map[string]any {
	t.Helper()
	select {
	case data := <-c.writes:
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestHubBroadcastsItemsAndSummaries(t *testing.T) {
	h, _ := startHub(t, 8)
	a, b := newFakeConn(), newFakeConn()
	go h.Serve(a)
	go h.Serve(b)
	waitClients(t, h, 2)

	h.BroadcastItem(models.AssessedItem{
		Item:       models.Item{ID: "i1", Title: "KEV entry", Raw: json.RawMessage(`{"big":true}`)},
		Assessment: models.Assessment{ThreatLevel: models.ThreatCritical},
	})
	for _, c := range []*fakeConn{a, b} {
		msg := receive(t, c)
		assert.Equal(t, "item", msg["type"])
		assert.Equal(t, float64(10), msg["priority"])
		item := msg["item"].(map[string]any)
		assert.Equal(t, "i1", item["id"])
		assert.NotContains(t, item, "raw")
	}

	h.BroadcastSummary(&models.Report{
		ID:            "run-1",
		ThreatSummary: map[models.ThreatLevel]int{models.ThreatHigh: 2},
		Items:         make([]models.AssessedItem, 2),
		Degraded:      true,
	})
	msg := receive(t, a)
	assert.Equal(t, "summary", msg["type"])
	assert.Equal(t, "run-1", msg["run_id"])
	assert.Equal(t, float64(2), msg["items"])
	assert.Equal(t, true, msg["degraded"])
}

func TestHubDropsDisconnectedClients(t *testing.T) {
	h, _ := startHub(t, 8)
	a := newFakeConn()
	done := make(chan struct{})
	go func() {
		h.Serve(a)
		close(done)
	}()
	waitClients(t, h, 1)

	a.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after disconnect")
	}
	waitClients(t, h, 0)
}

func TestHubDropsFailingWriters(t *testing.T) {
	h, _ := startHub(t, 8)
	bad := newFakeConn()
	bad.failWrite = true
	go h.Serve(bad)
	waitClients(t, h, 1)

	h.BroadcastItem(models.AssessedItem{Item: models.Item{ID: "x"}})
	waitClients(t, h, 0)
}

func TestHubClosesClientsOnShutdown(t *testing.T) {
	h, cancel := startHub(t, 8)
	a := newFakeConn()
	go h.Serve(a)
	waitClients(t, h, 1)

	cancel()
	select {
	case <-a.closed:
	case <-time.After(time.Second):
		t.Fatal("client not closed on shutdown")
	}
	assert.Equal(t, 0, h.Clients())
}

package notify

import (
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubOnFiber(t *testing.T) {
	hub := NewHub(nil)
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	hub.RegisterRoutes(app, "/ws/notify")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go app.Listener(ln)
	t.Cleanup(func() { _ = app.Shutdown() })

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws/notify", nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Post(Notification{ID: 3, CallSID: "CA3"}))
	var f Frame
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, ws.ReadJSON(&f))
	assert.Equal(t, "notification", f.Type)
	assert.Equal(t, "CA3", f.CallSID)

	require.NoError(t, ws.WriteJSON(Frame{Type: ActionReject, CallSID: "CA3"}))
	select {
	case req := <-hub.Requests():
		assert.Equal(t, ActionReject, req.Action)
	case <-time.After(time.Second):
		t.Fatal("no request received")
	}
}

func TestHubRouteRefusesPlainHTTP(t *testing.T) {
	app := fiber.New()
	NewHub(nil).RegisterRoutes(app, "/ws/notify")

	res, err := app.Test(httptest.NewRequest("GET", "/ws/notify", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, res.StatusCode)
}

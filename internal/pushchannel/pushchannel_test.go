package pushchannel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func staticToken(ctx context.Context) (string, error) { return "tok", nil }

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var init wsMessage
		if err := conn.ReadJSON(&init); err != nil {
			return
		}
		var sub wsMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}

		payload := `{"data":{"latestAction":{"actionType":"DELETE_DELIVERY","timestamp":"2026-01-01T00:00:00Z","offset":0,"delivery":{"id":"ext-1","routeId":"r1"}}}}`
		conn.WriteJSON(wsMessage{Type: "next", ID: sub.ID, Payload: []byte(payload)})

		// keep the connection open briefly so the client has time to read
		time.Sleep(200 * time.Millisecond)
	}))
}

func TestRunReceivesAction(t *testing.T) {
	srv := newEchoServer(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	actions := make(chan Action, 1)
	states := make(chan State, 8)

	ch := New(wsURL, staticToken, func(a Action) { actions <- a }, func(s State) {
		select {
		case states <- s:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go ch.Run(ctx)

	select {
	case a := <-actions:
		if a.ActionType != ActionDeleteDelivery || a.Delivery == nil || a.Delivery.ID != "ext-1" {
			t.Fatalf("unexpected action: %+v", a)
		}
	case <-time.After(1500 * time.Millisecond):
		t.Fatal("timed out waiting for action")
	}

	sawOnline := false
	drain:
	for {
		select {
		case s := <-states:
			if s == StateOnline {
				sawOnline = true
			}
		default:
			break drain
		}
	}
	if !sawOnline {
		t.Fatalf("expected to observe StateOnline at some point")
	}
}

func TestStateStringer(t *testing.T) {
	if StateOffline.String() != "offline" || StateConnecting.String() != "connecting" || StateOnline.String() != "online" {
		t.Fatalf("unexpected state strings")
	}
}

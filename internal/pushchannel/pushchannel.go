// Package pushchannel implements the Push Channel (C6): a GraphQL-over-
// websocket subscription client that receives the cloud's live action
// stream (deliveries added/deleted/routed/completed) and translates each
// into a typed event for the orchestrator (C7).
//
// Grounded on velide_websockets_worker.py's connect-subscribe-reconnect
// loop (exponential backoff from 2s capped at 60s, forced-close-on-stop)
// and velide_action_handler.py's action-type dispatch.
package pushchannel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"velidesync/internal/logging"
	"velidesync/internal/metrics"
)

// State is the Push Channel's connection state machine.
type State int

const (
	StateOffline State = iota
	StateConnecting
	StateOnline
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	default:
		return "offline"
	}
}

// ActionType mirrors the cloud's LatestAction.actionType enum.
type ActionType string

const (
	ActionAddDelivery         ActionType = "ADD_DELIVERY"
	ActionDeleteDelivery      ActionType = "DELETE_DELIVERY"
	ActionEditDeliveryLocation ActionType = "EDIT_DELIVERY_LOCATION"
	ActionStartRoute          ActionType = "START_ROUTE"
	ActionEndRoute            ActionType = "END_ROUTE"
)

// Action is a single decoded LatestAction event.
type Action struct {
	ActionType  ActionType      `json:"actionType"`
	Timestamp   time.Time       `json:"timestamp"`
	Offset      int             `json:"offset"`
	Deliveryman *ActionActor    `json:"deliveryman"`
	Delivery    *ActionDelivery `json:"delivery"`
}

type ActionActor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ActionDelivery struct {
	ID        string     `json:"id"`
	RouteID   string     `json:"routeId"`
	CreatedAt time.Time  `json:"createdAt"`
	EndedAt   *time.Time `json:"endedAt"`
}

const subscriptionQuery = `
subscription LatestAction($authorization: String!) {
	latestAction(authorization: $authorization) {
		actionType
		timestamp
		offset
		deliveryman { id name }
		delivery { id routeId createdAt endedAt }
	}
}`

// graphql-transport-ws / graphql-ws message envelopes.
type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

// Channel is the Push Channel (C6).
type Channel struct {
	serverURL string
	tokenFn   func(ctx context.Context) (string, error)
	onAction  func(Action)
	onState   func(State)

	mu    sync.Mutex
	state State

	minBackoff time.Duration
	maxBackoff time.Duration
}

// New constructs a Channel. onAction fires for every validated event;
// onState fires on every connection-state transition.
func New(serverURL string, tokenFn func(ctx context.Context) (string, error), onAction func(Action), onState func(State)) *Channel {
	return &Channel{
		serverURL:  serverURL,
		tokenFn:    tokenFn,
		onAction:   onAction,
		onState:    onState,
		minBackoff: 2 * time.Second,
		maxBackoff: 60 * time.Second,
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(s)
	}
}

// State returns the current connection state. Callers use this to decide
// whether to drop an outbound event rather than queue it (spec section 4.6:
// events are dropped while not online, not buffered).
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run connects, subscribes, and reconnects with exponential backoff until
// ctx is cancelled.
func (c *Channel) Run(ctx context.Context) {
	backoff := c.minBackoff
	for {
		select {
		case <-ctx.Done():
			c.setState(StateOffline)
			return
		default:
		}

		c.setState(StateConnecting)
		err := c.connectAndListen(ctx)
		c.setState(StateOffline)

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logging.Warnf("pushchannel: connection lost (%v), reconnecting in %s", err, backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

func (c *Channel) connectAndListen(ctx context.Context) error {
	token, err := c.tokenFn(ctx)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.serverURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if err := conn.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		return err
	}

	subPayload, _ := json.Marshal(subscribePayload{
		Query:     subscriptionQuery,
		Variables: map[string]interface{}{"authorization": token},
	})
	if err := conn.WriteJSON(wsMessage{Type: "subscribe", ID: "latest-action", Payload: subPayload}); err != nil {
		return err
	}

	c.setState(StateOnline)

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}

		switch msg.Type {
		case "next":
			c.handleNext(msg.Payload)
		case "error":
			logging.Warnf("pushchannel: subscription error message: %s", string(msg.Payload))
		case "complete":
			return nil
		}
	}
}

func (c *Channel) handleNext(payload json.RawMessage) {
	var data struct {
		Data struct {
			LatestAction *Action `json:"latestAction"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		logging.Errorf("pushchannel: failed to decode action payload: %v", err)
		return
	}
	if data.Data.LatestAction == nil {
		return
	}
	metrics.PushChannelActionsTotal.WithLabelValues(string(data.Data.LatestAction.ActionType)).Inc()
	if c.onAction != nil {
		c.onAction(*data.Data.LatestAction)
	}
}

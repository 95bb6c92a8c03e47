// Package cloudclient implements the Cloud Delivery API client (C3): a thin
// GraphQL-over-HTTPS wrapper exposing AddDelivery, DeleteDelivery,
// GetFullGlobalSnapshot, and the retry-time reconciliation matcher
// FindDeliveryByMetadata.
//
// Grounded on this codebase's infrastructures/httplib/client.go for the
// plain net/http JSON-POST idiom (no GraphQL client library appears
// anywhere in the reference corpus, so the GraphQL envelope is hand-rolled
// here exactly as httplib hand-rolls its JSON envelope) and on
// velide.py/velide_gateway.py and delivery_reconciliation_strategy.py for
// the mutation/query shapes and the fuzzy-match algorithm.
package cloudclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"velidesync/internal/errkind"
	"velidesync/internal/logging"
	"velidesync/internal/metrics"
	"velidesync/internal/model"
)

const addDeliveryMutation = `
mutation AddDeliveryFromIntegration(
	$metadata: MetadataInput!,
	$address: String,
	$address2: String,
	$neighbourhood: String,
	$reference: String,
	$offset: Int
) {
	addDeliveryFromIntegration(
		metadata: $metadata
		address: $address
		address2: $address2
		neighbourhood: $neighbourhood
		reference: $reference
		offset: $offset
	) {
		id
		routeId
		endedAt
		createdAt
		status
		deliverymanId
	}
}`

const deleteDeliveryMutation = `
mutation DeleteDelivery($deliveryId: String!) {
	deleteDelivery(deliveryId: $deliveryId)
}`

const globalSnapshotQuery = `
query {
	deliveries {
		id
		routeId
		createdAt
		endedAt
		status
		deliverymanId
		metadata {
			integrationName
			customerName
			customerContact
			address
		}
	}
}`

const deliverymenQuery = `
query {
	deliverymen {
		id
		name
	}
}`

// Client is the Cloud Delivery API client (C3).
type Client struct {
	httpc           *http.Client
	server          string
	integrationName string
	useNeighbourhood bool
	tokenFn         func(ctx context.Context) (string, error)
}

// New constructs a Client. tokenFn is called on every request to obtain a
// valid bearer token, matching the Auth/Token Provider (C8) contract.
func New(server, integrationName string, useNeighbourhood bool, timeout time.Duration, tokenFn func(ctx context.Context) (string, error)) *Client {
	return &Client{
		httpc:            &http.Client{Timeout: timeout},
		server:           server,
		integrationName:  integrationName,
		useNeighbourhood: useNeighbourhood,
		tokenFn:          tokenFn,
	}
}

type gqlPayload struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

// do executes a single GraphQL request and unmarshals the "data" field into
// out. Errors are classified into errkind.Kind per spec section 7's
// Transport / HTTP / Parse / Server / Timeout taxonomy. op names the call
// for the request-latency/error metrics (e.g. "addDelivery").
func (c *Client) do(ctx context.Context, op string, payload gqlPayload, out interface{}) error {
	start := time.Now()
	err := c.doRequest(ctx, payload, out)
	metrics.CloudRequestSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CloudRequestErrorsTotal.WithLabelValues(op, string(errkind.KindOf(err))).Inc()
	}
	return err
}

func (c *Client) doRequest(ctx context.Context, payload gqlPayload, out interface{}) error {
	token, err := c.tokenFn(ctx)
	if err != nil {
		return errkind.New(errkind.Auth, "cloudclient.do", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errkind.New(errkind.Permanent, "cloudclient.do.marshal", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server, bytes.NewReader(body))
	if err != nil {
		return errkind.New(errkind.Permanent, "cloudclient.do.newrequest", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		// ctx.Err() catches the caller's own cancellation/deadline; errors.Is
		// against context.DeadlineExceeded also catches http.Client's internal
		// per-request deadline (derived from Client.Timeout), which expires a
		// context the caller never sees but that still wraps the same
		// sentinel error into the returned *url.Error.
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return errkind.New(errkind.Timeout, "cloudclient.do.timeout", err)
		}
		return errkind.New(errkind.Transient, "cloudclient.do.transport", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errkind.New(errkind.Auth, "cloudclient.do.http401", fmt.Errorf("unauthorized"))
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return errkind.New(errkind.Transient, "cloudclient.do.http", fmt.Errorf("http status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return errkind.New(errkind.Permanent, "cloudclient.do.http", fmt.Errorf("http status %d", resp.StatusCode))
	}

	var env gqlEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return errkind.New(errkind.Permanent, "cloudclient.do.parse", err)
	}
	if len(env.Errors) > 0 {
		msgs := make([]string, len(env.Errors))
		for i, e := range env.Errors {
			msgs[i] = e.Message
		}
		return errkind.New(errkind.Permanent, "cloudclient.do.graphql", fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; ")))
	}
	if env.Data == nil {
		return errkind.New(errkind.Permanent, "cloudclient.do.nodata", fmt.Errorf("no data in response"))
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return errkind.New(errkind.Permanent, "cloudclient.do.parse", err)
		}
	}
	return nil
}

// calculateOffset mirrors velide.py's offset rule: milliseconds elapsed
// since order.CreatedAt, zeroed out when under 60 seconds to avoid noise
// from clock skew or fast processing.
func calculateOffset(createdAt time.Time) int64 {
	offsetMs := time.Since(createdAt).Milliseconds()
	if offsetMs > 60000 {
		return offsetMs
	}
	return 0
}

// AddDelivery issues the addDeliveryFromIntegration mutation.
func (c *Client) AddDelivery(ctx context.Context, order model.Order) (model.DeliveryResponse, error) {
	metadata := map[string]interface{}{
		"integrationName": c.integrationName,
		"customerName":    order.CustomerName,
		"customerContact": order.CustomerContact,
	}
	vars := map[string]interface{}{
		"metadata": metadata,
		"address":  order.Address,
		"offset":   calculateOffset(order.CreatedAt),
	}
	if order.Reference != "" {
		vars["reference"] = order.Reference
	}
	if order.Address2 != "" {
		vars["address2"] = order.Address2
	}
	if c.useNeighbourhood && order.Neighbourhood != "" {
		vars["neighbourhood"] = order.Neighbourhood
	}

	var result struct {
		AddDeliveryFromIntegration model.DeliveryResponse `json:"addDeliveryFromIntegration"`
	}
	err := c.do(ctx, "addDelivery", gqlPayload{Query: addDeliveryMutation, Variables: vars}, &result)
	if err != nil {
		return model.DeliveryResponse{}, err
	}
	return result.AddDeliveryFromIntegration, nil
}

// DeleteDelivery issues the deleteDelivery mutation.
func (c *Client) DeleteDelivery(ctx context.Context, externalID string) error {
	vars := map[string]interface{}{"deliveryId": externalID}
	return c.do(ctx, "deleteDelivery", gqlPayload{Query: deleteDeliveryMutation, Variables: vars}, nil)
}

// GetFullGlobalSnapshot fetches every currently-active delivery, the input
// to the Reconciler's (C5) periodic diff and to FindDeliveryByMetadata.
func (c *Client) GetFullGlobalSnapshot(ctx context.Context) (model.GlobalSnapshot, error) {
	var result struct {
		Deliveries []model.DeliveryResponse `json:"deliveries"`
	}
	if err := c.do(ctx, "globalSnapshot", gqlPayload{Query: globalSnapshotQuery}, &result); err != nil {
		return model.GlobalSnapshot{}, err
	}
	return model.GlobalSnapshot{Deliveries: result.Deliveries}, nil
}

// ListDeliverymen fetches the cloud's roster of deliverymen, used by Driver
// Mapping (C9) startup pairing.
func (c *Client) ListDeliverymen(ctx context.Context) (map[string]string, error) {
	var result struct {
		Deliverymen []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"deliverymen"`
	}
	if err := c.do(ctx, "listDeliverymen", gqlPayload{Query: deliverymenQuery}, &result); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(result.Deliverymen))
	for _, d := range result.Deliverymen {
		out[d.ID] = d.Name
	}
	return out, nil
}

// FindDeliveryByMetadata implements the retry-time reconciliation matcher
// from delivery_reconciliation_strategy.py: after a timed-out AddDelivery,
// fetch the global snapshot and look for a delivery whose metadata matches
// order by customer name (case-insensitive exact), creation time (within
// windowSeconds), and address (exact or substring, guarded against matching
// on fragments shorter than 5 characters). Among multiple candidates the
// most recently created wins.
func (c *Client) FindDeliveryByMetadata(ctx context.Context, order model.Order, windowSeconds float64) (*model.DeliveryResponse, error) {
	snapshot, err := c.GetFullGlobalSnapshot(ctx)
	if err != nil {
		logging.Warnf("cloudclient: reconciliation snapshot fetch failed: %v", err)
		return nil, err
	}

	cutoff := time.Now().Add(-time.Duration(windowSeconds * float64(time.Second)))

	var candidates []model.DeliveryResponse
	for _, d := range snapshot.Deliveries {
		if d.Metadata == nil {
			continue
		}
		if !strings.EqualFold(d.Metadata.CustomerName, order.CustomerName) {
			continue
		}
		if d.CreatedAt.Before(cutoff) {
			continue
		}
		if !addressMatches(d.Metadata.Address, order.Address) {
			continue
		}
		candidates = append(candidates, d)
	}

	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	return &candidates[0], nil
}

func addressMatches(stored, input string) bool {
	stored = strings.ToLower(strings.TrimSpace(stored))
	input = strings.ToLower(strings.TrimSpace(input))
	if stored == "" || input == "" {
		return false
	}
	if stored == input {
		return true
	}
	if len(input) < 5 {
		return false
	}
	return strings.Contains(stored, input) || strings.Contains(input, stored)
}

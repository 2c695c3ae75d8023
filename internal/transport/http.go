// Package transport submits queue items to the backend over HTTPS.
//
// The client performs no retries of its own: every failure is classified
// into a syncerr.Kind and handed back to the scheduler, whose queue policy
// decides whether and when to try again.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-gate-sync/internal/domain"
	"github.com/tbourn/go-gate-sync/internal/logging"
	"github.com/tbourn/go-gate-sync/internal/observability"
	"github.com/tbourn/go-gate-sync/internal/syncerr"
)

// Ack is a successful server reply to a submission.
type Ack struct {
	StatusCode int
	// ServerID is the entity id assigned by the server; empty if the reply
	// carried none (e.g. 204 on delete).
	ServerID string
	// Entity is the server's view of the entity, unwrapped from any "data"
	// envelope. Nil when the reply had no body.
	Entity json.RawMessage
}

var collections = map[domain.EntityType]string{
	domain.EntityAccessRequest: "requests",
	domain.EntityDoor:          "doors",
	domain.EntityScanEvent:     "scans",
	domain.EntityChatRoom:      "chat-rooms",
	domain.EntityChatMessage:   "messages",
}

// Collection returns the REST collection name for t.
func Collection(t domain.EntityType) (string, bool) {
	c, ok := collections[t]
	return c, ok
}

// HTTPClient is the resty-backed HTTPS transport.
type HTTPClient struct {
	client *resty.Client
	auth   AuthProvider
	log    zerolog.Logger
}

// NewHTTPClient returns a client for baseURL. timeout bounds each request.
func NewHTTPClient(baseURL string, timeout time.Duration, auth AuthProvider) *HTTPClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")

	return &HTTPClient{client: client, auth: auth, log: logging.For("transport")}
}

// Submit sends one queue item and classifies the outcome.
//
//	create -> POST   /api/<collection>
//	update -> PATCH  /api/<collection>/<server_id>
//	delete -> DELETE /api/<collection>/<server_id>
func (c *HTTPClient) Submit(ctx context.Context, it domain.QueueItem) (Ack, error) {
	ctx, span := observability.Tracer("transport").Start(ctx, "Submit",
		trace.WithAttributes(
			attribute.Int64("queue.seq", it.Seq),
			attribute.String("entity.type", string(it.EntityType)),
			attribute.String("operation", string(it.Operation)),
		),
	)
	ack, err := c.submit(ctx, it)
	observability.EndSpan(span, err)
	return ack, err
}

func (c *HTTPClient) submit(ctx context.Context, it domain.QueueItem) (Ack, error) {
	const op = "submit"

	coll, ok := Collection(it.EntityType)
	if !ok {
		return Ack{}, syncerr.NewValidation(op, fmt.Errorf("unknown entity type %q", it.EntityType))
	}

	var method, path string
	switch it.Operation {
	case domain.OpCreate:
		method, path = http.MethodPost, "/api/"+coll
	case domain.OpUpdate, domain.OpDelete:
		if it.ServerID == nil || *it.ServerID == "" {
			return Ack{}, syncerr.NewValidation(op, fmt.Errorf("%s of %s %s without server id", it.Operation, it.EntityType, it.LocalID))
		}
		method = http.MethodPatch
		if it.Operation == domain.OpDelete {
			method = http.MethodDelete
		}
		path = "/api/" + coll + "/" + *it.ServerID
	default:
		return Ack{}, syncerr.NewValidation(op, fmt.Errorf("unknown operation %q", it.Operation))
	}

	token, err := c.auth.Token(ctx)
	if err != nil {
		return Ack{}, syncerr.NewSystemic(op, fmt.Errorf("auth token: %w", err))
	}

	req := c.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Idempotency-Key", it.IdempotencyKey())
	if it.Operation != domain.OpDelete {
		req = req.SetHeader("Content-Type", "application/json").SetBody([]byte(it.Payload))
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		c.log.Debug().Err(err).Str("method", method).Str("path", path).Int64("queue_seq", it.Seq).Msg("request failed")
		return Ack{}, classifyError(op, err)
	}
	if resp.IsError() {
		c.log.Debug().Str("method", method).Str("path", path).Int("statusCode", resp.StatusCode()).Str("responseBody", resp.String()).Msg("request rejected")
		return Ack{}, classifyStatus(op, resp.StatusCode(), resp.Body())
	}

	entity := Unwrap(resp.Body())
	return Ack{StatusCode: resp.StatusCode(), ServerID: EntityID(entity), Entity: entity}, nil
}

// Health checks GET /health; any 2xx counts as reachable.
func (c *HTTPClient) Health(ctx context.Context) error {
	resp, err := c.client.R().SetContext(ctx).Get("/health")
	if err != nil {
		return classifyError("health", err)
	}
	if resp.IsError() {
		return classifyStatus("health", resp.StatusCode(), nil)
	}
	return nil
}

// Unwrap returns the entity object, stripping a {"data": {...}} envelope.
func Unwrap(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err == nil && len(env.Data) > 0 && env.Data[0] == '{' {
		return env.Data
	}
	if !json.Valid(body) || body[0] != '{' {
		return nil
	}
	return json.RawMessage(body)
}

// EntityID reads the "id" key of an entity object, accepting strings and numbers.
func EntityID(entity json.RawMessage) string {
	if len(entity) == 0 {
		return ""
	}
	var m struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(entity, &m); err != nil || len(m.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(m.ID, &n); err == nil {
		return n.String()
	}
	return ""
}

func statusErr(status int, body []byte) error {
	msg := http.StatusText(status)
	if msg == "" {
		msg = "status " + strconv.Itoa(status)
	}
	if len(body) > 0 && len(body) <= 512 {
		return errors.New(msg + ": " + string(body))
	}
	return errors.New(msg)
}

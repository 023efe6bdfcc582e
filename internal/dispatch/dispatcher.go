// Package dispatch delivers notification bundles over the configured
// channel types: rest-hook, email, zulip, and websocket. It also runs the
// heartbeat scheduler.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhircandle/candle/internal/platform/fhir"
	"github.com/fhircandle/candle/internal/subscriptions"
)

// Channel timeouts.
const (
	restHookTimeout = 30 * time.Second
	emailTimeout    = 15 * time.Second
	zulipTimeout    = 15 * time.Second
)

// EmailSender is the SMTP capability. The bundle rides along as an
// attachment body; the subject encodes the notification type and event
// range.
type EmailSender interface {
	Send(ctx context.Context, to, subject string, body []byte) error
}

// ZulipClient is the Zulip capability. Stream and user ids come from the
// subscription's channel parameters.
type ZulipClient interface {
	SendStream(ctx context.Context, streamID, topic, content string) error
	SendPrivate(ctx context.Context, userID, content string) error
}

// SocketSink pushes a payload to websocket clients bound to a subscription.
type SocketSink interface {
	Send(subscriptionID string, payload []byte) error
}

// Dispatcher fans notifications out by channel type. It holds no
// subscription state; lifecycle bookkeeping stays in the engine.
type Dispatcher struct {
	log    zerolog.Logger
	client *http.Client
	email  EmailSender
	zulip  ZulipClient
	socket SocketSink
}

// Option configures optional channel capabilities.
type Option func(*Dispatcher)

// WithEmail installs the SMTP capability.
func WithEmail(sender EmailSender) Option {
	return func(d *Dispatcher) { d.email = sender }
}

// WithZulip installs the Zulip capability.
func WithZulip(client ZulipClient) Option {
	return func(d *Dispatcher) { d.zulip = client }
}

// WithSocket installs the websocket sink.
func WithSocket(sink SocketSink) Option {
	return func(d *Dispatcher) { d.socket = sink }
}

// WithHTTPClient replaces the rest-hook client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// New builds a dispatcher.
func New(log zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:    log.With().Str("component", "dispatch").Logger(),
		client: &http.Client{Timeout: restHookTimeout},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify implements subscriptions.Notifier.
func (d *Dispatcher) Notify(ctx context.Context, n *subscriptions.Notification) error {
	record := n.Record
	d.log.Debug().Str("tenant", n.Tenant).Str("subscription", record.ID).
		Str("channel", record.ChannelCode).Str("type", n.Type).Msg("dispatching")

	switch record.ChannelCode {
	case "rest-hook":
		return d.sendRestHook(ctx, n)
	case "email":
		return d.sendEmail(ctx, n)
	case "zulip":
		return d.sendZulip(ctx, n)
	case "websocket":
		return d.sendSocket(n)
	}
	return fmt.Errorf("unsupported channel type %q", record.ChannelCode)
}

// sendRestHook POSTs the serialized bundle to the endpoint with the
// subscription's headers. Endpoints on example.org short-circuit to
// success so samples and tests run without wire traffic.
func (d *Dispatcher) sendRestHook(ctx context.Context, n *subscriptions.Notification) error {
	record := n.Record
	if record.Endpoint == "" {
		return fmt.Errorf("rest-hook subscription %s has no endpoint", record.ID)
	}
	if isExampleEndpoint(record.Endpoint) {
		return nil
	}

	format, ok := fhir.NormalizeFormat(record.ContentType)
	if !ok {
		format = fhir.FormatJSON
	}
	payload, err := fhir.SerializeResource(n.Bundle, format, false, false)
	if err != nil {
		return err
	}

	timeout := restHookTimeout
	if record.TimeoutSecs > 0 {
		timeout = time.Duration(record.TimeoutSecs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, record.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", string(format))
	for name, values := range record.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return nil
	}
	return fmt.Errorf("rest-hook endpoint returned %d", resp.StatusCode)
}

func (d *Dispatcher) sendEmail(ctx context.Context, n *subscriptions.Notification) error {
	record := n.Record
	if isExampleEndpoint(record.Endpoint) {
		return nil
	}
	if d.email == nil {
		return fmt.Errorf("email channel is not configured")
	}
	to := strings.TrimPrefix(record.Endpoint, "mailto:")
	if to == "" {
		return fmt.Errorf("email subscription %s has no address", record.ID)
	}
	payload, err := fhir.SerializeResource(n.Bundle, fhir.FormatJSON, true, false)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, emailTimeout)
	defer cancel()
	return d.email.Send(ctx, to, emailSubject(n), payload)
}

// emailSubject encodes the notification type and event range.
func emailSubject(n *subscriptions.Notification) string {
	subject := fmt.Sprintf("FHIR subscription %s: %s", n.Record.ID, n.Type)
	if len(n.Events) > 0 {
		first := n.Events[0].Number
		last := n.Events[len(n.Events)-1].Number
		if first == last {
			subject += fmt.Sprintf(" (event %d)", first)
		} else {
			subject += fmt.Sprintf(" (events %d-%d)", first, last)
		}
	}
	return subject
}

// sendZulip posts to a stream when the subscription carries a streamId
// parameter, privately when it carries a userId.
func (d *Dispatcher) sendZulip(ctx context.Context, n *subscriptions.Notification) error {
	record := n.Record
	if isExampleEndpoint(record.Endpoint) {
		return nil
	}
	if d.zulip == nil {
		return fmt.Errorf("zulip channel is not configured")
	}
	payload, err := fhir.SerializeResource(n.Bundle, fhir.FormatJSON, true, false)
	if err != nil {
		return err
	}
	content := fmt.Sprintf("%s notification for subscription %s\n```json\n%s\n```",
		n.Type, record.ID, payload)

	ctx, cancel := context.WithTimeout(ctx, zulipTimeout)
	defer cancel()
	if streamID := headerValue(record.Headers, "streamId"); streamID != "" {
		topic := headerValue(record.Headers, "topic")
		if topic == "" {
			topic = "fhir-notifications"
		}
		return d.zulip.SendStream(ctx, streamID, topic, content)
	}
	if userID := headerValue(record.Headers, "userId"); userID != "" {
		return d.zulip.SendPrivate(ctx, userID, content)
	}
	return fmt.Errorf("zulip subscription %s names neither streamId nor userId", record.ID)
}

func (d *Dispatcher) sendSocket(n *subscriptions.Notification) error {
	if d.socket == nil {
		return fmt.Errorf("websocket channel is not configured")
	}
	payload, err := fhir.SerializeResource(n.Bundle, fhir.FormatJSON, false, false)
	if err != nil {
		return err
	}
	return d.socket.Send(n.Record.ID, payload)
}

func headerValue(headers map[string][]string, name string) string {
	if vs := headers[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// isExampleEndpoint matches example.org hosts, subdomains included.
func isExampleEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "example.org" || strings.HasSuffix(host, ".example.org")
}

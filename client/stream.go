package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"

	"SigMesh/internal/notify"
	"SigMesh/internal/request"
)

// Stream is a live event feed from a node's websocket endpoint.
// Events closes when the connection ends; Close tears the feed down.
type Stream struct {
	conn   *websocket.Conn
	events chan notify.Event
	cancel context.CancelFunc
}

// Events returns the stream's event channel.
func (s *Stream) Events() <-chan notify.Event {
	return s.events
}

// Close tears down the stream.
func (s *Stream) Close() {
	s.cancel()
	s.conn.Close()
}

// openStream dials a websocket endpoint and pumps events into a channel.
func (c *Client) openStream(ctx context.Context, path string) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+c.nodeAddr+path, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dial %s:\n%w", path, err)
	}

	s := &Stream{
		conn:   conn,
		events: make(chan notify.Event, 64),
		cancel: cancel,
	}

	go func() {
		defer close(s.events)
		defer conn.Close()

		for {
			var ev notify.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}

			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return s, nil
}

// WatchRequest streams a request's snapshot and subsequent events until
// it reaches a terminal state.
func (c *Client) WatchRequest(ctx context.Context, id request.ID) (*Stream, error) {
	return c.openStream(ctx, "/ws/requests/"+id.String())
}

// StreamSignatures streams signature events from the given epoch onward.
func (c *Client) StreamSignatures(ctx context.Context, fromEpoch uint64) (*Stream, error) {
	return c.openStream(ctx, fmt.Sprintf("/ws/signatures?from=%d", fromEpoch))
}

// StreamProofs streams proof events from the given epoch onward.
func (c *Client) StreamProofs(ctx context.Context, fromEpoch uint64) (*Stream, error) {
	return c.openStream(ctx, fmt.Sprintf("/ws/proofs?from=%d", fromEpoch))
}

// StreamValidatorSets streams validator set activations.
func (c *Client) StreamValidatorSets(ctx context.Context) (*Stream, error) {
	return c.openStream(ctx, "/ws/validator-sets")
}

// SignFunc signs a request message, returning the signer's public key
// and signature.
type SignFunc func(message []byte) (publicKey, signature []byte, err error)

// SignAndWait submits a signature on a request and blocks until the
// request reaches a terminal state. Returns the completed request; a
// failed or timed-out request is reported as an error.
func (c *Client) SignAndWait(ctx context.Context, id request.ID, sign SignFunc) (*request.SignatureRequest, error) {
	stream, err := c.WatchRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	// The first frame is the request snapshot.
	var req *request.SignatureRequest

	select {
	case ev, ok := <-stream.Events():
		if !ok {
			return nil, fmt.Errorf("stream closed before snapshot")
		}

		req, err = decodeRequest(ev.Payload)
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if !req.State.Terminal() {
		publicKey, signature, err := sign(req.Message)
		if err != nil {
			return nil, fmt.Errorf("sign message:\n%w", err)
		}

		if _, err := c.SubmitSignature(id, publicKey, signature); err != nil {
			return nil, err
		}
	}

	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				// Terminal close: fetch the final request state.
				return c.finalRequest(id)
			}

			if ev.Type == notify.TypeTerminal {
				return c.finalRequest(id)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// finalRequest fetches a request and converts non-completed terminal
// states into errors.
func (c *Client) finalRequest(id request.ID) (*request.SignatureRequest, error) {
	req, err := c.GetRequest(id)
	if err != nil {
		return nil, err
	}

	switch req.State {
	case request.StateCompleted:
		return req, nil
	case request.StateFailed:
		return nil, fmt.Errorf("request failed: %s (%s)", req.FailCode, req.FailReason)
	case request.StateTimedOut:
		return nil, fmt.Errorf("request timed out")
	default:
		return nil, fmt.Errorf("stream ended with request still %s", req.State)
	}
}

// decodeRequest re-parses an event payload into a SignatureRequest.
// Payloads arrive as generic JSON, so round-trip through the codec.
func decodeRequest(payload any) (*request.SignatureRequest, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot:\n%w", err)
	}

	var req request.SignatureRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode snapshot:\n%w", err)
	}

	return &req, nil
}

// Package protocol defines the frames exchanged between replicas over a broadcast channel.
//
// On the wire a frame is a JSON envelope:
//
//	{"event":"update","replicaId":"...","payload":"<base64>"}
//	{"event":"sync-response","replicaId":"...","targetReplicaId":"...","payload":"<base64>"}
//
// Envelopes are decoded once, at the transport boundary, into one of the Frame types below.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/astromechza/theme-collab/pkg/codec"
)

type Event string

const (
	EventUpdate       Event = "update"
	EventPresence     Event = "presence"
	EventSyncRequest  Event = "sync-request"
	EventSyncResponse Event = "sync-response"
)

var (
	ErrUnknownEvent    = errors.New("unknown event")
	ErrMissingSender   = errors.New("frame has no replica id")
	ErrMissingTarget   = errors.New("sync-response has no target replica id")
	ErrInvalidEnvelope = errors.New("invalid frame envelope")
)

// Frame is one of Update, Presence, SyncRequest or SyncResponse.
type Frame interface {
	Event() Event
	// Sender is the replica id of the peer that sent the frame.
	Sender() string
}

// Update carries a (possibly merged) CRDT update.
type Update struct {
	From    string
	Payload []byte
}

// Presence carries an encoded awareness update.
type Presence struct {
	From    string
	Payload []byte
}

// SyncRequest asks every connected peer for its full document state.
type SyncRequest struct {
	From string
}

// SyncResponse answers a SyncRequest. Only the replica named by Target may apply it.
type SyncResponse struct {
	From    string
	Target  string
	Payload []byte
}

func (Update) Event() Event       { return EventUpdate }
func (Presence) Event() Event     { return EventPresence }
func (SyncRequest) Event() Event  { return EventSyncRequest }
func (SyncResponse) Event() Event { return EventSyncResponse }

func (f Update) Sender() string       { return f.From }
func (f Presence) Sender() string     { return f.From }
func (f SyncRequest) Sender() string  { return f.From }
func (f SyncResponse) Sender() string { return f.From }

type envelope struct {
	Event           Event  `json:"event"`
	ReplicaID       string `json:"replicaId"`
	TargetReplicaID string `json:"targetReplicaId,omitempty"`
	Payload         string `json:"payload,omitempty"`
}

// Marshal encodes a frame into its wire envelope.
func Marshal(f Frame) ([]byte, error) {
	env := envelope{Event: f.Event(), ReplicaID: f.Sender()}
	switch v := f.(type) {
	case Update:
		env.Payload = codec.Encode(v.Payload)
	case Presence:
		env.Payload = codec.Encode(v.Payload)
	case SyncRequest:
	case SyncResponse:
		env.TargetReplicaID = v.Target
		env.Payload = codec.Encode(v.Payload)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, f)
	}
	if env.ReplicaID == "" {
		return nil, ErrMissingSender
	}
	return json.Marshal(env)
}

// Unmarshal decodes a wire envelope. Payload decoding failures wrap codec.ErrMalformed.
func Unmarshal(raw []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	if env.ReplicaID == "" {
		return nil, ErrMissingSender
	}
	switch env.Event {
	case EventSyncRequest:
		return SyncRequest{From: env.ReplicaID}, nil
	case EventUpdate, EventPresence, EventSyncResponse:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	payload, err := codec.Decode(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", env.Event, err)
	}
	switch env.Event {
	case EventUpdate:
		return Update{From: env.ReplicaID, Payload: payload}, nil
	case EventPresence:
		return Presence{From: env.ReplicaID, Payload: payload}, nil
	default:
		if env.TargetReplicaID == "" {
			return nil, ErrMissingTarget
		}
		return SyncResponse{From: env.ReplicaID, Target: env.TargetReplicaID, Payload: payload}, nil
	}
}

// PeekSender extracts the sender of an envelope without decoding its payload, so that frames
// reflected back by the transport can be discarded cheaply.
func PeekSender(raw []byte) (string, error) {
	var env struct {
		ReplicaID string `json:"replicaId"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	return env.ReplicaID, nil
}

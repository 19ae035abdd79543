// Package event defines the wire vocabulary spoken between drawing clients
// and the relay: join, stroke segment, clear and history snapshot frames.
package event

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Kind is the value of an envelope's "type" field
type Kind string

const (
	// Client asks to join a room and receive its history
	KindJoin Kind = "join-room"

	// One drawn line segment, relayed to the other room members
	KindStroke Kind = "drawing"

	// Truncates the room log, relayed to the other room members
	KindClear Kind = "clear"

	// Full ordered log of a room, sent only to a joining client
	KindHistory Kind = "load-history"
)

// Mode is opaque to the relay; it is checked for membership only.
type Mode string

const (
	ModeDraw  Mode = "draw"
	ModeErase Mode = "erase"
)

// ErrMalformed is returned (wrapped) for any frame the relay must drop.
var ErrMalformed = errors.New("malformed event")

// Segment is one atomic drawn line. Segments are immutable once decoded.
type Segment struct {
	RoomKey string  `json:"roomKey"`
	X0      float64 `json:"x0"`
	Y0      float64 `json:"y0"`
	X1      float64 `json:"x1"`
	Y1      float64 `json:"y1"`
	Color   string  `json:"color"`
	Width   float64 `json:"width"`
	Mode    Mode    `json:"mode"`
}

// Envelope is the framing of every message in both directions.
type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound is a decoded and validated client frame.
// RoomKey is set for every kind; Segment only for KindStroke.
type Inbound struct {
	Kind    Kind
	RoomKey string
	Segment Segment
}

// Pointer fields distinguish "missing" from zero values.
type wireSegment struct {
	RoomKey *string  `json:"roomKey"`
	BoardID *string  `json:"boardId"`
	X0      *float64 `json:"x0"`
	Y0      *float64 `json:"y0"`
	X1      *float64 `json:"x1"`
	Y1      *float64 `json:"y1"`
	Color   *string  `json:"color"`
	Width   *float64 `json:"width"`
	Mode    *string  `json:"mode"`
}

type wireRoomRef struct {
	RoomKey string `json:"roomKey"`
	BoardID string `json:"boardId"`
}

func malformed(format string, args ...interface{}) error {
	return errors.Wrapf(ErrMalformed, format, args...)
}

// Decode parses one inbound frame. Any error it returns wraps ErrMalformed.
func Decode(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Inbound{}, malformed("invalid envelope: %v", err)
	}

	switch env.Type {
	case KindJoin, KindClear:
		key, err := decodeRoomRef(env.Data)
		if err != nil {
			return Inbound{}, err
		}
		return Inbound{Kind: env.Type, RoomKey: key}, nil

	case KindStroke:
		seg, err := decodeSegment(env.Data)
		if err != nil {
			return Inbound{}, err
		}
		return Inbound{Kind: KindStroke, RoomKey: seg.RoomKey, Segment: seg}, nil

	case "":
		return Inbound{}, malformed("missing type")
	default:
		return Inbound{}, malformed("unknown type %q", env.Type)
	}
}

// A room reference is either a bare JSON string or {"roomKey": "..."}.
func decodeRoomRef(data json.RawMessage) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", malformed("missing room key")
	}

	var key string
	if data[0] == '"' {
		if err := json.Unmarshal(data, &key); err != nil {
			return "", malformed("invalid room key: %v", err)
		}
	} else {
		var ref wireRoomRef
		if err := json.Unmarshal(data, &ref); err != nil {
			return "", malformed("invalid room reference: %v", err)
		}
		key = ref.RoomKey
		if key == "" {
			key = ref.BoardID
		}
	}

	if key == "" {
		return "", malformed("empty room key")
	}
	return key, nil
}

func decodeSegment(data json.RawMessage) (Segment, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Segment{}, malformed("missing segment")
	}

	var w wireSegment
	if err := json.Unmarshal(data, &w); err != nil {
		return Segment{}, malformed("invalid segment: %v", err)
	}

	key := ""
	if w.RoomKey != nil {
		key = *w.RoomKey
	} else if w.BoardID != nil {
		key = *w.BoardID
	}
	if key == "" {
		return Segment{}, malformed("segment without room key")
	}

	switch {
	case w.X0 == nil, w.Y0 == nil, w.X1 == nil, w.Y1 == nil:
		return Segment{}, malformed("segment missing coordinates")
	case w.Color == nil:
		return Segment{}, malformed("segment missing color")
	case w.Width == nil:
		return Segment{}, malformed("segment missing width")
	case *w.Width <= 0:
		return Segment{}, malformed("segment width %v is not positive", *w.Width)
	case w.Mode == nil:
		return Segment{}, malformed("segment missing mode")
	}

	mode := Mode(*w.Mode)
	if mode != ModeDraw && mode != ModeErase {
		return Segment{}, malformed("unknown mode %q", *w.Mode)
	}

	return Segment{
		RoomKey: key,
		X0:      *w.X0,
		Y0:      *w.Y0,
		X1:      *w.X1,
		Y1:      *w.Y1,
		Color:   *w.Color,
		Width:   *w.Width,
		Mode:    mode,
	}, nil
}

func encode(kind Kind, payload interface{}) ([]byte, error) {
	env := Envelope{Type: kind}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s payload", kind)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// EncodeStroke builds the frame relayed to other room members.
func EncodeStroke(seg Segment) ([]byte, error) {
	return encode(KindStroke, seg)
}

// EncodeClear builds a clear frame. It carries no payload.
func EncodeClear() ([]byte, error) {
	return encode(KindClear, nil)
}

// EncodeHistory builds the snapshot frame. A nil log encodes as [].
func EncodeHistory(segments []Segment) ([]byte, error) {
	if segments == nil {
		segments = []Segment{}
	}
	return encode(KindHistory, segments)
}

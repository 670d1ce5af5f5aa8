package protocol

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Version is the three-part protocol version carried in every envelope.
// Only Major gates compatibility: a differing Major is rejected outright
// (see CurrentVersion.CompatibleWith), Minor/Patch are informational.
type Version struct {
	Major uint8 `cbor:"1,keyasint"`
	Minor uint8 `cbor:"2,keyasint"`
	Patch uint8 `cbor:"3,keyasint"`
}

// CurrentVersion is the version this module's codec speaks.
var CurrentVersion = Version{Major: 1, Minor: 0, Patch: 0}

// CompatibleWith reports whether a peer-advertised version shares this
// codec's major version. Messages whose major differs are rejected with a
// protocol-level error and the session is closed.
func (v Version) CompatibleWith(other Version) bool {
	return v.Major == other.Major
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Envelope is the outer CBOR structure wrapping every wire message.
type Envelope struct {
	MessageID         uuid.UUID `cbor:"1,keyasint"`
	Version           Version   `cbor:"2,keyasint"`
	TimestampUnixSecs uint64    `cbor:"3,keyasint"`
	CorrelationID     []byte    `cbor:"4,keyasint,omitempty"`
	Message           Message   `cbor:"5,keyasint"`
}

// NewEnvelope builds an envelope at the current version, stamped with a
// fresh message id and the current wall-clock time.
func NewEnvelope(msg Message) Envelope {
	return Envelope{
		MessageID:         uuid.New(),
		Version:           CurrentVersion,
		TimestampUnixSecs: uint64(time.Now().Unix()),
		Message:           msg,
	}
}

// WithCorrelation returns a copy of e carrying correlationID, for replies
// that must be matched against a pending request.
func (e Envelope) WithCorrelation(correlationID []byte) Envelope {
	e.CorrelationID = correlationID
	return e
}

// wireEnvelope mirrors Envelope but carries Message pre-split into a Kind
// discriminant and a raw CBOR payload, because cbor/v2 cannot express a Go
// tagged union (an interface-like struct with several optional typed
// fields) directly without this two-pass encode/decode.
type wireEnvelope struct {
	MessageID         uuid.UUID       `cbor:"1,keyasint"`
	Version           Version         `cbor:"2,keyasint"`
	TimestampUnixSecs uint64          `cbor:"3,keyasint"`
	CorrelationID     []byte          `cbor:"4,keyasint,omitempty"`
	Kind              Kind            `cbor:"5,keyasint"`
	Payload           cbor.RawMessage `cbor:"6,keyasint"`
}

func encMode() (cbor.EncMode, error) {
	opts := cbor.CanonicalEncOptions()
	return opts.EncMode()
}

// Marshal encodes the envelope into its CBOR representation (without the
// length prefix; see Frame for the on-wire framing).
func (e Envelope) Marshal() ([]byte, error) {
	payload, kind, err := marshalMessage(e.Message)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	wire := wireEnvelope{
		MessageID:         e.MessageID,
		Version:           e.Version,
		TimestampUnixSecs: e.TimestampUnixSecs,
		CorrelationID:     e.CorrelationID,
		Kind:              kind,
		Payload:           payload,
	}
	mode, err := encMode()
	if err != nil {
		return nil, err
	}
	return mode.Marshal(wire)
}

// Unmarshal decodes a CBOR-encoded envelope body (post length-prefix
// stripping).
func Unmarshal(data []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := cbor.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	msg, err := unmarshalMessage(wire.Kind, wire.Payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		MessageID:         wire.MessageID,
		Version:           wire.Version,
		TimestampUnixSecs: wire.TimestampUnixSecs,
		CorrelationID:     wire.CorrelationID,
		Message:           msg,
	}, nil
}

func marshalMessage(m Message) (cbor.RawMessage, Kind, error) {
	mode, err := encMode()
	if err != nil {
		return nil, "", err
	}
	var payload any
	switch m.Kind {
	case KindEnrollment:
		payload = m.Enrollment
	case KindHeartbeat:
		payload = m.Heartbeat
	case KindApplicationStatus:
		payload = m.ApplicationStatus
	case KindError:
		payload = m.Error
	case KindEnrollmentAck:
		payload = m.EnrollmentAck
	case KindDeploy:
		payload = m.Deploy
	case KindStop:
		payload = m.Stop
	case KindDisconnect:
		payload = m.Disconnect
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	raw, err := mode.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	return raw, m.Kind, nil
}

func unmarshalMessage(kind Kind, payload cbor.RawMessage) (Message, error) {
	msg := Message{Kind: kind}
	var err error
	switch kind {
	case KindEnrollment:
		msg.Enrollment = &Enrollment{}
		err = cbor.Unmarshal(payload, msg.Enrollment)
	case KindHeartbeat:
		msg.Heartbeat = &Heartbeat{}
		err = cbor.Unmarshal(payload, msg.Heartbeat)
	case KindApplicationStatus:
		msg.ApplicationStatus = &ApplicationStatus{}
		err = cbor.Unmarshal(payload, msg.ApplicationStatus)
	case KindError:
		msg.Error = &ErrorMessage{}
		err = cbor.Unmarshal(payload, msg.Error)
	case KindEnrollmentAck:
		msg.EnrollmentAck = &EnrollmentAck{}
		err = cbor.Unmarshal(payload, msg.EnrollmentAck)
	case KindDeploy:
		msg.Deploy = &Deploy{}
		err = cbor.Unmarshal(payload, msg.Deploy)
	case KindStop:
		msg.Stop = &Stop{}
		err = cbor.Unmarshal(payload, msg.Stop)
	case KindDisconnect:
		msg.Disconnect = &Disconnect{}
		err = cbor.Unmarshal(payload, msg.Disconnect)
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return msg, nil
}

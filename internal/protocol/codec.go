// Package protocol implements the binary framing exchanged between replicas:
//
//	message   := kind payload
//	sync      := 0 step bytes
//	awareness := 1 bytes
//
// Steps are 0 (state vector), 1 (missing update) and 2 (unsolicited update).
package protocol

import (
	"fmt"

	"github.com/example/shared-note/internal/crdt"
	"github.com/example/shared-note/internal/types"
)

// Kind is the leading tag of every message.
type Kind uint64

const (
	KindSync      Kind = 0
	KindAwareness Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindAwareness:
		return "awareness"
	default:
		return fmt.Sprintf("kind(%d)", uint64(k))
	}
}

// Step is the sub tag of a sync message.
type Step uint64

const (
	StepStateVector Step = 0
	StepMissing     Step = 1
	StepUpdate      Step = 2
)

func (s Step) String() string {
	switch s {
	case StepStateVector:
		return "step1"
	case StepMissing:
		return "step2"
	case StepUpdate:
		return "update"
	default:
		return fmt.Sprintf("step(%d)", uint64(s))
	}
}

// Message is a fully decoded frame. Exactly one payload field is populated
// according to Kind and Step.
type Message struct {
	Kind        Kind
	Step        Step
	StateVector types.StateVector
	Update      crdt.Update
	Awareness   []AwarenessEntry
}

// Label names the message for logs and metrics.
func (m Message) Label() string {
	if m.Kind == KindSync {
		return m.Step.String()
	}
	return m.Kind.String()
}

// DecodeMessage parses and validates a complete frame.
func DecodeMessage(frame []byte) (Message, error) {
	r := newReader("message", frame, 0)

	kind, err := r.uvarint("kind")
	if err != nil {
		return Message{}, err
	}
	msg := Message{Kind: Kind(kind)}

	switch msg.Kind {
	case KindSync:
		step, err := r.uvarint("sync step")
		if err != nil {
			return Message{}, err
		}
		msg.Step = Step(step)
		if msg.Step > StepUpdate {
			return Message{}, r.fail(ErrUnknownKind, "sync step %d", step)
		}
		payload, at, err := r.varBytes("sync payload")
		if err != nil {
			return Message{}, err
		}
		switch msg.Step {
		case StepStateVector:
			msg.StateVector, err = decodeStateVector(newReader("state vector", payload, at))
		default:
			msg.Update, err = decodeUpdate(newReader("update", payload, at))
		}
		if err != nil {
			return Message{}, err
		}
	case KindAwareness:
		payload, at, err := r.varBytes("awareness payload")
		if err != nil {
			return Message{}, err
		}
		msg.Awareness, err = decodeAwareness(newReader("awareness", payload, at))
		if err != nil {
			return Message{}, err
		}
	default:
		r.off = 0
		return Message{}, r.fail(ErrUnknownKind, "kind %d", kind)
	}

	if err := r.done(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func encodeSync(step Step, payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+12)
	buf = appendVarint(buf, uint64(KindSync))
	buf = appendVarint(buf, uint64(step))
	return appendBytes(buf, payload)
}

// EncodeSyncStep1 announces the sender's state vector.
func EncodeSyncStep1(sv types.StateVector) []byte {
	return encodeSync(StepStateVector, EncodeStateVector(sv))
}

// EncodeSyncStep2 answers a step 1 with the items the peer is missing.
func EncodeSyncStep2(u crdt.Update) []byte {
	return encodeSync(StepMissing, EncodeUpdate(u))
}

// EncodeUpdateMessage wraps an unsolicited incremental update.
func EncodeUpdateMessage(u crdt.Update) []byte {
	return encodeSync(StepUpdate, EncodeUpdate(u))
}

// EncodeAwarenessMessage wraps awareness entries.
func EncodeAwarenessMessage(entries []AwarenessEntry) []byte {
	payload := EncodeAwareness(entries)
	buf := make([]byte, 0, len(payload)+12)
	buf = appendVarint(buf, uint64(KindAwareness))
	return appendBytes(buf, payload)
}

package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/shared-note/internal/crdt"
	"github.com/example/shared-note/internal/protocol"
	"github.com/example/shared-note/internal/storage"
	"github.com/example/shared-note/internal/types"
)

var errReplayComplete = errors.New("replay complete")

// Replayer scans journal entries of a document in LSN order.
type Replayer interface {
	Replay(ctx context.Context, name types.DocumentName, fromLSN int64, handler func(types.JournalRecord) error) error
}

// Payload is the object stored for a snapshot.
type Payload struct {
	Document    types.DocumentName `json:"document"`
	LastLSN     int64              `json:"last_lsn"`
	StateVector types.StateVector  `json:"state_vector"`
	State       []byte             `json:"state"`
}

// EncodePayload captures the full state of doc as of lsn.
func EncodePayload(name types.DocumentName, lsn int64, doc *crdt.Doc) ([]byte, error) {
	return json.Marshal(Payload{
		Document:    name,
		LastLSN:     lsn,
		StateVector: doc.StateVector(),
		State:       protocol.EncodeUpdate(doc.StateAsUpdate(nil)),
	})
}

// DecodePayload unmarshals a snapshot payload.
func DecodePayload(data []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}

// LoadInto applies the snapshot referenced by ref to doc. A zero ref is a
// no-op.
func LoadInto(ctx context.Context, objects Objects, ref storage.SnapshotRef, doc *crdt.Doc) error {
	if ref.ObjectPath == "" {
		return nil
	}
	if objects == nil {
		return fmt.Errorf("snapshot %s needs object storage", ref.ObjectPath)
	}
	data, err := objects.Load(ctx, ref.ObjectPath)
	if err != nil {
		return fmt.Errorf("load snapshot object: %w", err)
	}
	payload, err := DecodePayload(data)
	if err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	update, err := protocol.DecodeUpdate(payload.State)
	if err != nil {
		return fmt.Errorf("decode snapshot state: %w", err)
	}
	doc.ApplyUpdate(update)
	return nil
}

// ApplyRecord applies a journaled frame to doc. Frames without document
// content are ignored.
func ApplyRecord(doc *crdt.Doc, rec types.JournalRecord) error {
	msg, err := protocol.DecodeMessage(rec.Payload)
	if err != nil {
		return fmt.Errorf("journal entry %d: %w", rec.LSN, err)
	}
	if msg.Kind != protocol.KindSync || msg.Step == protocol.StepStateVector {
		return nil
	}
	doc.ApplyUpdate(msg.Update)
	return nil
}

// Replay applies journal entries after fromLSN to doc, stopping after toLSN
// when toLSN is positive. It returns the LSN of the last applied entry, or
// fromLSN when none was applied.
func Replay(ctx context.Context, log Replayer, doc *crdt.Doc, name types.DocumentName, fromLSN, toLSN int64) (int64, error) {
	last := fromLSN
	err := log.Replay(ctx, name, fromLSN, func(rec types.JournalRecord) error {
		if toLSN > 0 && rec.LSN > toLSN {
			return errReplayComplete
		}
		if err := ApplyRecord(doc, rec); err != nil {
			return err
		}
		last = rec.LSN
		return nil
	})
	if err != nil && !errors.Is(err, errReplayComplete) {
		return last, fmt.Errorf("replay %s: %w", name, err)
	}
	return last, nil
}

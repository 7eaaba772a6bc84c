// Package client keeps a local replica of a shared document in sync with a
// server over WebSocket.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/shared-note/internal/awareness"
	"github.com/example/shared-note/internal/crdt"
	"github.com/example/shared-note/internal/protocol"
	"github.com/example/shared-note/internal/textdiff"
	"github.com/example/shared-note/internal/types"
)

// ErrNotConnected is returned by operations that need a live connection.
var ErrNotConnected = errors.New("client: not connected")

// Status is the connection state shown to users.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Config describes how to reach the server.
type Config struct {
	URL        string
	UserName   string
	ClientID   types.ClientID
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Dialer     *websocket.Dialer
	// OnStatus is called on every status change.
	OnStatus func(Status)
}

// Provider owns a replica and the connection that keeps it in sync. Local
// edits are applied immediately and sent when connected; anything missed
// while offline is reconciled by the handshake on reconnect.
type Provider struct {
	cfg       Config
	doc       *crdt.Doc
	awareness *awareness.Awareness
	logger    zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	status  Status
	synced  chan struct{}
	isSync  bool
	fields  map[string]any
	writeMu sync.Mutex
}

// New creates a provider. Call Run to start syncing.
func New(cfg Config, logger zerolog.Logger) *Provider {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	doc := crdt.NewDoc(cfg.ClientID)
	p := &Provider{
		cfg:       cfg,
		doc:       doc,
		awareness: awareness.New(),
		logger:    logger.With().Uint64("client", uint64(doc.ClientID())).Logger(),
		status:    StatusDisconnected,
		synced:    make(chan struct{}),
		fields:    make(map[string]any),
	}
	if cfg.UserName != "" {
		p.fields["user"] = map[string]any{"name": cfg.UserName}
	}
	return p
}

// Doc returns the local replica.
func (p *Provider) Doc() *crdt.Doc { return p.doc }

// Awareness returns the presence states known to this client.
func (p *Provider) Awareness() *awareness.Awareness { return p.awareness }

// Text returns the local text.
func (p *Provider) Text() string { return p.doc.Text() }

// Status returns the current connection status.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Run keeps the provider connected until ctx is cancelled, reconnecting with
// exponential backoff.
func (p *Provider) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.cfg.MinBackoff
	policy.MaxInterval = p.cfg.MaxBackoff

	for {
		err := p.connectOnce(ctx, policy)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := policy.NextBackOff()
		p.logger.Warn().Err(err).Dur("backoff", delay).Msg("connection lost; reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (p *Provider) connectOnce(ctx context.Context, policy backoff.BackOff) error {
	p.setStatus(StatusConnecting)
	conn, _, err := p.cfg.Dialer.DialContext(ctx, p.cfg.URL, nil)
	if err != nil {
		p.setStatus(StatusDisconnected)
		return fmt.Errorf("dial %s: %w", p.cfg.URL, err)
	}
	policy.Reset()

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	p.setStatus(StatusConnected)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
		p.mu.Lock()
		p.conn = nil
		if p.isSync {
			p.isSync = false
			p.synced = make(chan struct{})
		}
		p.mu.Unlock()
		p.setStatus(StatusDisconnected)
	}()

	if err := p.write(protocol.EncodeSyncStep1(p.doc.StateVector())); err != nil {
		return err
	}
	if err := p.announce(); err != nil {
		return err
	}

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if err := p.handle(payload); err != nil {
			return err
		}
	}
}

func (p *Provider) handle(frame []byte) error {
	msg, err := protocol.DecodeMessage(frame)
	if err != nil {
		p.logger.Warn().Err(err).Msg("dropping undecodable frame")
		return nil
	}

	switch {
	case msg.Kind == protocol.KindSync && msg.Step == protocol.StepStateVector:
		return p.write(protocol.EncodeSyncStep2(p.doc.StateAsUpdate(msg.StateVector)))
	case msg.Kind == protocol.KindSync:
		p.doc.ApplyUpdate(msg.Update)
		if msg.Step == protocol.StepMissing {
			p.markSynced()
		}
	case msg.Kind == protocol.KindAwareness:
		p.awareness.Apply(msg.Awareness)
	}
	return nil
}

func (p *Provider) markSynced() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isSync {
		p.isSync = true
		close(p.synced)
	}
}

// WaitSynced blocks until the current connection completed its handshake.
func (p *Provider) WaitSynced(ctx context.Context) error {
	p.mu.Lock()
	ch := p.synced
	p.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Insert adds text at a visible position.
func (p *Provider) Insert(pos int, text string) error {
	update, err := p.doc.InsertAt(pos, text)
	if err != nil {
		return err
	}
	return p.publish(update)
}

// Delete removes length visible characters at pos.
func (p *Provider) Delete(pos, length int) error {
	update, err := p.doc.DeleteAt(pos, length)
	if err != nil {
		return err
	}
	return p.publish(update)
}

// SetText replaces the whole text with the smallest prefix/suffix splice and
// sends the deletion and insertion as one update. The diff is taken against
// the replica at the moment the splice is applied.
func (p *Provider) SetText(text string) error {
	update, err := p.doc.Replace(func(current string) textdiff.Change {
		return textdiff.Diff(current, text)
	})
	if err != nil {
		return err
	}
	return p.publish(update)
}

// SetAwarenessField sets one field of this client's presence state.
func (p *Provider) SetAwarenessField(key string, value any) error {
	p.mu.Lock()
	p.fields[key] = value
	p.mu.Unlock()
	return p.announce()
}

func (p *Provider) announce() error {
	p.mu.Lock()
	if len(p.fields) == 0 {
		p.mu.Unlock()
		return nil
	}
	fields := make(map[string]any, len(p.fields))
	for k, v := range p.fields {
		fields[k] = v
	}
	p.mu.Unlock()

	entry, err := p.awareness.SetLocal(p.doc.ClientID(), fields)
	if err != nil {
		return err
	}
	err = p.write(protocol.EncodeAwarenessMessage([]protocol.AwarenessEntry{entry}))
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (p *Provider) publish(update crdt.Update) error {
	if update.IsEmpty() {
		return nil
	}
	err := p.write(protocol.EncodeUpdateMessage(update))
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (p *Provider) write(frame []byte) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (p *Provider) setStatus(s Status) {
	p.mu.Lock()
	changed := p.status != s
	p.status = s
	p.mu.Unlock()
	if changed {
		p.logger.Debug().Str("status", string(s)).Msg("connection status changed")
		if p.cfg.OnStatus != nil {
			p.cfg.OnStatus(s)
		}
	}
}

// Package presence mirrors awareness states into Redis so that every server
// instance can report who is present on a document.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/shared-note/internal/protocol"
	"github.com/example/shared-note/internal/types"
)

const (
	defaultTTL       = 45 * time.Second
	defaultKeyPrefix = "presence:doc:"
	defaultQueueSize = 512
	scanBatchSize    = 100
)

type batch struct {
	document types.DocumentName
	entries  []protocol.AwarenessEntry
}

// Mirror stores the latest awareness state of every client under a TTL key.
// Keys of clients still present on this instance are refreshed periodically;
// keys of a crashed instance expire on their own.
type Mirror struct {
	client redis.UniversalClient
	logger zerolog.Logger

	ttl       time.Duration
	keyPrefix string
	queue     chan batch

	mu     sync.Mutex
	roster map[types.DocumentName]map[types.ClientID]struct{}
}

// NewMirror constructs a presence mirror backed by Redis.
func NewMirror(client redis.UniversalClient, logger zerolog.Logger) *Mirror {
	return &Mirror{
		client:    client,
		logger:    logger.With().Str("component", "presence").Logger(),
		ttl:       defaultTTL,
		keyPrefix: defaultKeyPrefix,
		queue:     make(chan batch, defaultQueueSize),
		roster:    make(map[types.DocumentName]map[types.ClientID]struct{}),
	}
}

// Record queues awareness entries accepted for a document. It never blocks.
func (m *Mirror) Record(name types.DocumentName, entries []protocol.AwarenessEntry) {
	if len(entries) == 0 {
		return
	}
	select {
	case m.queue <- batch{document: name, entries: append([]protocol.AwarenessEntry(nil), entries...)}:
	default:
		m.logger.Warn().Str("document", string(name)).Msg("presence queue full; update skipped")
	}
}

// Start begins the writer and the TTL refresher.
func (m *Mirror) Start(ctx context.Context) {
	go m.run(ctx)
	go m.refreshLoop(ctx)
}

func (m *Mirror) run(ctx context.Context) {
	for {
		select {
		case b := <-m.queue:
			if err := m.persist(ctx, b); err != nil {
				m.logger.Warn().Err(err).Str("document", string(b.document)).Msg("failed to mirror presence")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Mirror) persist(ctx context.Context, b batch) error {
	pipe := m.client.Pipeline()
	for _, entry := range b.entries {
		key := m.presenceKey(b.document, entry.Client)
		if entry.Removed() {
			pipe.Del(ctx, key)
		} else {
			pipe.Set(ctx, key, entry.State, m.ttl)
		}
	}
	m.trackLocal(b)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write presence: %w", err)
	}
	return nil
}

// trackLocal remembers which clients this instance keeps alive.
func (m *Mirror) trackLocal(b batch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roster, ok := m.roster[b.document]
	if !ok {
		roster = make(map[types.ClientID]struct{})
		m.roster[b.document] = roster
	}
	for _, entry := range b.entries {
		if entry.Removed() {
			delete(roster, entry.Client)
		} else {
			roster[entry.Client] = struct{}{}
		}
	}
	if len(roster) == 0 {
		delete(m.roster, b.document)
	}
}

func (m *Mirror) localKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for doc, clients := range m.roster {
		for client := range clients {
			keys = append(keys, m.presenceKey(doc, client))
		}
	}
	return keys
}

func (m *Mirror) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(m.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			keys := m.localKeys()
			if len(keys) == 0 {
				continue
			}
			pipe := m.client.Pipeline()
			for _, key := range keys {
				pipe.Expire(ctx, key, m.ttl)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				m.logger.Warn().Err(err).Int("keys", len(keys)).Msg("failed to refresh presence ttl")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Roster loads the presence states of a document stored by any instance.
func (m *Mirror) Roster(ctx context.Context, name types.DocumentName) (map[types.ClientID]json.RawMessage, error) {
	iter := m.client.Scan(ctx, 0, m.documentPrefix(name)+"*", scanBatchSize).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence keys: %w", err)
	}

	roster := make(map[types.ClientID]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return roster, nil
	}

	values, err := m.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch presence values: %w", err)
	}
	for i, raw := range values {
		strVal, ok := raw.(string)
		if !ok || strVal == "" || !json.Valid([]byte(strVal)) {
			continue
		}
		client, err := m.clientFromKey(name, keys[i])
		if err != nil {
			m.logger.Warn().Err(err).Str("key", keys[i]).Msg("skipping presence key")
			continue
		}
		roster[client] = json.RawMessage(strVal)
	}
	return roster, nil
}

func (m *Mirror) documentPrefix(name types.DocumentName) string {
	return m.keyPrefix + string(name) + ":client:"
}

func (m *Mirror) presenceKey(name types.DocumentName, client types.ClientID) string {
	return m.documentPrefix(name) + strconv.FormatUint(uint64(client), 10)
}

func (m *Mirror) clientFromKey(name types.DocumentName, key string) (types.ClientID, error) {
	suffix, ok := strings.CutPrefix(key, m.documentPrefix(name))
	if !ok {
		return 0, fmt.Errorf("key outside document %s", name)
	}
	id, err := strconv.ParseUint(suffix, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse client id: %w", err)
	}
	return types.ClientID(id), nil
}

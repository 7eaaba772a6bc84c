package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/shared-note/internal/types"
)

// GatewayConfig controls the runtime behaviour of the WebSocket gateway.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
	MaxMessageBytes    int64

	// DefaultDocument serves every request unless Routing is enabled and the
	// route carries a {document} variable.
	DefaultDocument types.DocumentName
	Routing         bool
}

// Gateway upgrades HTTP requests into WebSocket connections and hands them
// to the hooks.
type Gateway struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	hooks    Hooks
	cfg      GatewayConfig
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(logger zerolog.Logger, hooks Hooks, cfg GatewayConfig) (*Gateway, error) {
	if hooks.OnMessage == nil {
		return nil, errors.New("message hook is required")
	}
	if cfg.DefaultDocument == "" {
		return nil, errors.New("default document is required")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 256
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
		hooks:  hooks,
		cfg:    cfg,
	}, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()
	documentName := g.documentFor(r)
	_, span := tracer.Start(r.Context(), "gateway.upgrade",
		trace.WithAttributes(attribute.String("document", string(documentName))))
	defer span.End()

	wsConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		span.RecordError(err)
		g.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	gatewayUpgradeLatency.WithLabelValues(string(documentName)).Observe(time.Since(start).Seconds())

	id := uuid.NewString()
	childLogger := g.logger.With().Str("document", string(documentName)).Str("session", id).Logger()
	connection := newConnection(id, wsConn, documentName, childLogger, connectionOptions{
		heartbeatInterval:  g.cfg.HeartbeatInterval,
		heartbeatTolerance: g.cfg.HeartbeatTolerance,
		sendBufferSize:     g.cfg.SendBuffer,
		writeTimeout:       g.cfg.WriteTimeout,
		maxMessageBytes:    g.cfg.MaxMessageBytes,
	}, func() {
		gatewayConnections.WithLabelValues(string(documentName)).Dec()
	})

	gatewayConnections.WithLabelValues(string(documentName)).Inc()
	childLogger.Info().Str("remote", r.RemoteAddr).Msg("websocket connection established")

	go connection.Run(g.hooks)
}

func (g *Gateway) documentFor(r *http.Request) types.DocumentName {
	if g.cfg.Routing {
		if name := mux.Vars(r)["document"]; name != "" {
			return types.DocumentName(name)
		}
	}
	return g.cfg.DefaultDocument
}

package relay

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/boris-chu/Private-Messaging-Service-sub000/envelope"
)

// Handler upgrades HTTP requests to WebSocket connections and pumps
// their envelopes into the registry.
type Handler struct {
	registry *Registry
	upgrader websocket.Upgrader
}

// NewHandler creates the WebSocket endpoint for a registry.
func NewHandler(registry *Registry) *Handler {
	return &Handler{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins; identity is
			// established by the auth envelope, not the origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP accepts one WebSocket connection and runs its read loop to
// completion.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "ServeHTTP",
			"remote_ip": r.RemoteAddr,
		}).WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	meta := metadataFromRequest(r)
	conn := h.registry.Accept(ws, meta)
	h.readLoop(conn)
}

// readLoop decodes inbound frames and hands them to the registry. Any
// sender field supplied by the client is discarded before handling.
func (h *Handler) readLoop(conn *Connection) {
	defer h.registry.HandleClose(conn.ID)

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		env, err := envelope.Decode(raw)
		if err != nil {
			if errors.Is(err, envelope.ErrUnknownType) {
				h.registry.sendErrorByID(conn.ID, "Unknown message type")
			} else {
				h.registry.sendErrorByID(conn.ID, "Malformed envelope")
			}
			continue
		}

		env.Sender = ""
		h.registry.HandleEnvelope(conn.ID, env)
	}
}

// metadataFromRequest captures client details at accept time.
func metadataFromRequest(r *http.Request) Metadata {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		// First hop is the original client.
		if idx := strings.IndexByte(ip, ','); idx >= 0 {
			ip = ip[:idx]
		}
		ip = strings.TrimSpace(ip)
	} else {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip = host
	}

	ua := r.Header.Get("User-Agent")
	return Metadata{
		RemoteIP:  ip,
		UserAgent: ua,
		IsMobile:  isMobileUserAgent(ua),
	}
}

func isMobileUserAgent(ua string) bool {
	ua = strings.ToLower(ua)
	for _, marker := range []string{"android", "iphone", "ipad", "mobile"} {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return false
}

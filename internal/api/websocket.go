package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"school-attendance-platform/internal/broadcast"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Browsers subscribing to the live feed come from the school
		// dashboard's own origin; token auth already gates the upgrade.
		return true
	},
}

// wsSubscriber adapts one WebSocket connection to the hub's Subscriber
// interface. Writes are serialized because the hub may publish from
// several goroutines.
type wsSubscriber struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSubscriber) Send(event interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(event)
}

// serveChannel upgrades the request and pins the connection to one hub
// channel for the authenticated tenant until the peer goes away.
func (s *Server) serveChannel(channel broadcast.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := TenantFromContext(r.Context())
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.WithError(err).WithField("channel", channel).Warn("WebSocket upgrade failed")
			return
		}

		sub := &wsSubscriber{conn: conn}
		s.hub.Subscribe(channel, tenant, sub)
		if s.metrics != nil {
			s.metrics.WSSubscribers.WithLabelValues(string(channel)).Inc()
		}
		s.logger.WithFields(logrus.Fields{
			"channel":   channel,
			"tenant_id": tenant,
		}).Info("WebSocket subscriber connected")

		// The feed is one-way; the read loop only notices disconnects.
		go func() {
			defer func() {
				s.hub.Unsubscribe(channel, tenant, sub)
				if s.metrics != nil {
					s.metrics.WSSubscribers.WithLabelValues(string(channel)).Dec()
				}
				conn.Close()
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

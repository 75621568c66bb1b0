package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raceline/raceline/pkg/broadcast"
)

// closeCodeOverflow tells a dropped subscriber to reconnect with
// resume_from set to its last delivered sequence number.
const closeCodeOverflow = 4008

const (
	writeTimeout = 10 * time.Second
	// maxControlFrame bounds inbound frames; clients only ever send control
	// traffic on this socket.
	maxControlFrame = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// stream upgrades the request to a websocket and pumps the race key's ordered
// signal stream, replay first, then live. Each frame is one Signal as JSON.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	key, err := raceKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var resumeFrom uint64
	if raw := r.URL.Query().Get("resume_from"); raw != "" {
		resumeFrom, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, errBadQuery)
			return
		}
	}

	sub, err := s.engine.Subscribe(key, resumeFrom)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		sub.Unsubscribe()
		return
	}

	s.metrics.SubscriberConnected()
	defer s.metrics.SubscriberDisconnected()

	s.logger.Debug("stream attached",
		"race_key", key.String(),
		"resume_from", resumeFrom,
		"remote", conn.RemoteAddr().String())

	// The client sends nothing but control frames; the read pump exists to
	// notice the peer going away.
	conn.SetReadLimit(maxControlFrame)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Unsubscribe()
				return
			}
		}
	}()

	for sig := range sub.Signals() {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(sig); err != nil {
			sub.Unsubscribe()
			conn.Close()
			return
		}
	}

	code, reason := websocket.CloseNormalClosure, ""
	switch {
	case errors.Is(sub.Err(), broadcast.ErrSubscriptionOverflow):
		code = closeCodeOverflow
		reason = fmt.Sprintf("overflow: resume_from=%d", sub.LastDelivered())
		s.logger.Warn("stream dropped for overflow",
			"race_key", key.String(),
			"last_delivered", sub.LastDelivered())
	case errors.Is(sub.Err(), broadcast.ErrHubClosed):
		code = websocket.CloseGoingAway
		reason = "shutting down"
	}

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeTimeout))
	conn.Close()
}

package app

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeDeadline = 10 * time.Second

// handleSync bridges a websocket client onto the document's broadcast
// channel: frames from the socket are published as fragments, fragments
// from other sessions are written back as binary frames. The bridge never
// touches the snapshot; persistence flows through the state endpoints.
func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request, session Session, teamID, documentID string) {
	// Authorize before the upgrade; afterwards there is no clean way to
	// return an HTTP status.
	if _, err := s.service.GetDocument(r.Context(), session, teamID, documentID); err != nil {
		respondError(w, err)
		return
	}
	if s.service.broker == nil {
		writeError(w, http.StatusServiceUnavailable, "SYNC_UNAVAILABLE", "Broadcast channel not configured", nil)
		return
	}

	clientID := strings.TrimSpace(r.URL.Query().Get("clientId"))
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("sync: upgrade %s/%s: %v", teamID, documentID, err)
		return
	}
	defer conn.Close()

	// Gorilla allows one concurrent writer; fragments arrive from the
	// subscription goroutine while pings originate here.
	var writeMu sync.Mutex
	writeFrame := func(messageType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		return conn.WriteMessage(messageType, data)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	unsubscribe, err := s.service.broker.Subscribe(ctx, documentID, clientID, func(fragment []byte) {
		if err := writeFrame(websocket.BinaryMessage, fragment); err != nil {
			log.Printf("sync: write to client %s on %s: %v", clientID, documentID, err)
			cancel()
		}
	})
	if err != nil {
		log.Printf("sync: subscribe %s to %s: %v", clientID, documentID, err)
		_ = writeFrame(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"))
		return
	}
	defer unsubscribe()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("sync: client %s on %s disconnected: %v", clientID, documentID, err)
			}
			return
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}
		s.service.broker.Publish(ctx, documentID, clientID, data)
	}
}

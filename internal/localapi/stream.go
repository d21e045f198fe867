package localapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"yesman/internal/bus"
	"yesman/internal/protocol"
)

var streamSeq atomic.Uint64

const streamWriteTimeout = 5 * time.Second

// handleStream upgrades to WebSocket and pumps bus events through the
// subscriber's bounded queue. A lagging client receives the terminal lag
// notice and the connection closes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	filter, err := parseStreamFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if s.deps.Bus == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "event stream is not enabled")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := s.deps.Bus.Subscribe(filter)
	defer s.deps.Bus.Unsubscribe(sub)

	// Reads only detect the client going away.
	readCtx, cancelRead := context.WithCancel(r.Context())
	defer cancelRead()
	go func() {
		defer cancelRead()
		for {
			if _, _, err := conn.Read(readCtx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-readCtx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeEvent(readCtx, conn, e); err != nil {
				return
			}
			if e.Kind == bus.KindSubscriberLagged {
				conn.Close(websocket.StatusPolicyViolation, "subscriber lagged")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e bus.Event) error {
	msg := protocol.EventMessage(
		fmt.Sprintf("evt_%d", streamSeq.Add(1)),
		string(e.Kind),
		e.SessionID,
		e.Payload,
		e.At,
	)
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, raw)
}

func parseStreamFilter(r *http.Request) (bus.Filter, error) {
	var filter bus.Filter
	if raw := r.URL.Query().Get("sessions"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				filter.Sessions = append(filter.Sessions, id)
			}
		}
	}
	if raw := r.URL.Query().Get("kinds"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			kind := bus.Kind(k)
			if !knownKind(kind) {
				return bus.Filter{}, fmt.Errorf("unknown event kind %q", k)
			}
			filter.Kinds = append(filter.Kinds, kind)
		}
	}
	return filter, nil
}

func knownKind(k bus.Kind) bool {
	switch k {
	case bus.KindControllerStateChanged, bus.KindPromptDetected, bus.KindPromptAbstained,
		bus.KindDecisionMade, bus.KindResponseSent, bus.KindInteractionRecorded,
		bus.KindCollectorDegraded, bus.KindMailboxDegraded, bus.KindSubscriberLagged:
		return true
	}
	return false
}

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"storyarchive/internal/util"
	"storyarchive/internal/wizard"
)

const (
	streamWriteTimeout = 10 * time.Second
	maxChunkBytes      = 4 << 20
)

type snapshotMessage struct {
	Type     string          `json:"type"`
	Snapshot wizard.Snapshot `json:"snapshot"`
}

// handleWizardEvents streams wizard events as JSON text messages. The first
// message is a full snapshot; a client that falls behind is disconnected and
// should reconnect to resynchronise.
func (s *Server) handleWizardEvents(w http.ResponseWriter, r *http.Request, wiz *wizard.Wizard) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	conn, err := acceptWebsocket(w, r)
	if err != nil {
		util.LoggerFromContext(r.Context()).Warn("accept websocket connection", "err", err)
		return
	}
	defer conn.CloseNow()

	// Clients never send on this socket; CloseRead watches for their close frame.
	ctx := conn.CloseRead(r.Context())
	sub := wiz.Events(ctx)
	defer sub.Stop()

	if err := writeJSONMessage(ctx, conn, snapshotMessage{Type: "snapshot", Snapshot: wiz.Snapshot()}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.ResultChan():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event stream ended")
				return
			}
			if err := writeJSONMessage(ctx, conn, evt); err != nil {
				util.LoggerFromContext(r.Context()).Debug("event stream closed", "wizard_id", wiz.ID(), "err", err)
				return
			}
		}
	}
}

// acceptWebsocket lifts the server's read and write timeouts, which would
// otherwise cut long-lived sockets.
func acceptWebsocket(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})
	return websocket.Accept(w, r, nil)
}

func writeJSONMessage(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

// handleRecorderStream receives the browser's microphone audio as binary
// WAV chunks while the recorder is recording.
func (s *Server) handleRecorderStream(w http.ResponseWriter, r *http.Request, wiz *wizard.Wizard) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rec, err := wiz.Recorder()
	if err != nil {
		s.writeWizardError(w, r, err)
		return
	}
	conn, err := acceptWebsocket(w, r)
	if err != nil {
		util.LoggerFromContext(r.Context()).Warn("accept websocket connection", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxChunkBytes)

	logger := util.LoggerFromContext(r.Context()).With("wizard_id", wiz.ID())
	for {
		chunk, err := readChunk(r.Context(), conn)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				logger.Debug("recorder stream closed", "err", err)
			}
			return
		}
		if err := rec.WriteWAV(chunk); err != nil {
			logger.Warn("recorder chunk rejected", "err", err)
			conn.Close(websocket.StatusUnsupportedData, truncateReason(err.Error()))
			wiz.RecorderChanged()
			return
		}
		wiz.RecorderChanged()
	}
}

func readChunk(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	msgType, reader, err := conn.Reader(ctx)
	if err != nil {
		return nil, err
	}
	if msgType != websocket.MessageBinary {
		return nil, fmt.Errorf("invalid message type %q received", msgType)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read websocket audio message: %w", err)
	}
	return data, nil
}

// truncateReason keeps a close reason within the 123 bytes a close frame allows.
func truncateReason(reason string) string {
	if len(reason) > 120 {
		return reason[:120]
	}
	return reason
}

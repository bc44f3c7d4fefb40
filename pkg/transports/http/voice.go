package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/kamishibai/pkg/audio"
	"github.com/harunnryd/kamishibai/pkg/conversation"
	"github.com/harunnryd/kamishibai/pkg/errorsx"
	"github.com/harunnryd/kamishibai/pkg/session"
)

type controlMessage struct {
	Type string `json:"type"`
}

type turnMessage struct {
	Type     string                 `json:"type"`
	Snapshot *conversation.Snapshot `json:"snapshot,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
}

type wsFrame struct {
	kind int
	data []byte
}

// voice accumulates binary PCM16LE frames until a {"type":"commit"} text
// frame, then runs one voice turn and streams the answer back.
func (s *Server) voice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.cfg.Sessions.Get(id); err != nil {
		s.writeError(w, err)
		return
	}
	rate := s.cfg.SampleRate
	if rate <= 0 {
		rate = audio.DefaultSampleRate
	}
	if v := r.URL.Query().Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid sample_rate"})
			return
		}
		rate = n
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("voice_upgrade_failed", "session_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	frames := make(chan wsFrame, 16)
	go func() {
		defer close(frames)
		defer cancel()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case frames <- wsFrame{kind: kind, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var buf []byte
	for f := range frames {
		switch f.kind {
		case websocket.BinaryMessage:
			buf = append(buf, f.data...)
		case websocket.TextMessage:
			var msg controlMessage
			if err := sonic.Unmarshal(f.data, &msg); err != nil || msg.Type != "commit" {
				_ = s.writeTurn(conn, turnMessage{Type: "error", Error: "expected {\"type\":\"commit\"}"})
				continue
			}
			pcm := buf
			buf = nil
			if err := s.runVoiceTurn(ctx, conn, id, pcm, rate); err != nil {
				s.logger.Info("voice_socket_closed", "session_id", id, "error", err)
				return
			}
		}
	}
}

// runVoiceTurn returns an error only when the socket can no longer be written.
func (s *Server) runVoiceTurn(ctx context.Context, conn *websocket.Conn, id string, pcm []byte, rate int) error {
	seg, err := audio.Decode(pcm, rate)
	if err != nil {
		return s.writeTurn(conn, turnMessage{Type: "error", Error: err.Error()})
	}

	var writeErr error
	var snap conversation.Snapshot
	err = s.cfg.Sessions.WithTurn(ctx, id, func(ctx context.Context, sess *session.Session) error {
		vt, err := sess.Conversation.HandleVoice(ctx, seg)
		if err != nil {
			return err
		}
		for chunk := range vt.Audio() {
			if writeErr != nil {
				continue
			}
			if writeErr = conn.WriteMessage(websocket.BinaryMessage, chunk.Audio); writeErr != nil {
				vt.Close()
			}
		}
		snap, err = vt.Wait()
		return err
	})
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		return s.writeTurn(conn, turnMessage{Type: "error", Error: err.Error(), Reason: string(errorsx.Reason(err))})
	}
	return s.writeTurn(conn, turnMessage{Type: "turn", Snapshot: &snap})
}

func (s *Server) writeTurn(conn *websocket.Conn, msg turnMessage) error {
	b, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

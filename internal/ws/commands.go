package ws

import (
	"context"

	"chatflow/internal/apperr"
	"chatflow/internal/model"

	"go.uber.org/zap"
)

// SessionControl is the operator surface over sessions.
type SessionControl interface {
	Pause(ctx context.Context, id string) (*model.Session, error)
	Resume(ctx context.Context, id string) (*model.Session, error)
	Cancel(ctx context.Context, id string) (*model.Session, error)
}

// CommandHandler handles WebSocket commands
type CommandHandler struct {
	sessions SessionControl
	log      *zap.Logger
}

func NewCommandHandler(sessions SessionControl, log *zap.Logger) *CommandHandler {
	return &CommandHandler{sessions: sessions, log: log}
}

// HandleCommand runs {"type":"cmd","op":"pauseSession","id":"..","data":{"sessionId":".."}}.
func (h *CommandHandler) HandleCommand(ctx context.Context, conn *Conn, cmd map[string]interface{}) {
	op, _ := cmd["op"].(string)
	data, _ := cmd["data"].(map[string]interface{})
	msgID, _ := cmd["id"].(string)

	var run func(context.Context, string) (*model.Session, error)
	switch op {
	case "pauseSession":
		run = h.sessions.Pause
	case "resumeSession":
		run = h.sessions.Resume
	case "cancelSession":
		run = h.sessions.Cancel
	default:
		h.sendError(conn, msgID, "unknown_command", "Unknown command: "+op)
		return
	}

	sessionID, _ := data["sessionId"].(string)
	if sessionID == "" {
		h.sendError(conn, msgID, "invalid_input", "sessionId required")
		return
	}

	s, err := run(ctx, sessionID)
	if err != nil {
		h.log.Info("Operator command failed",
			zap.String("op", op),
			zap.String("session_id", sessionID),
			zap.String("operator", conn.operator),
			zap.Error(err),
		)
		h.sendError(conn, msgID, string(apperr.CodeOf(err)), err.Error())
		return
	}

	h.log.Info("Operator command applied",
		zap.String("op", op),
		zap.String("session_id", sessionID),
		zap.String("operator", conn.operator),
	)
	h.sendResponse(conn, msgID, map[string]interface{}{
		"type": "response",
		"data": map[string]interface{}{"sessionId": s.ID, "status": s.Status, "version": s.Version},
	})
}

func (h *CommandHandler) sendResponse(conn *Conn, msgID string, response map[string]interface{}) {
	if msgID != "" {
		response["id"] = msgID
	}
	conn.sendJSON(response)
}

func (h *CommandHandler) sendError(conn *Conn, msgID, code, message string) {
	msg := map[string]interface{}{
		"type":    "error",
		"code":    code,
		"message": message,
	}
	if msgID != "" {
		msg["id"] = msgID
	}
	conn.sendJSON(msg)
}

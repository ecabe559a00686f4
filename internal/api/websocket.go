package api

import (
	"net/http"

	"chatflow/internal/auth"
	"chatflow/internal/ws"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	// operators authenticate with a token, not cookies
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (d Dependencies) wsHandler(w http.ResponseWriter, r *http.Request) {
	if d.Hub == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "live feed not enabled", d.Log)
		return
	}
	operator := auth.GetOperator(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.Log.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}
	d.Log.Info("Operator connected", zap.String("operator", operator), zap.String("remote", r.RemoteAddr))

	wsConn := ws.NewConn(conn, d.Hub, operator)
	d.Hub.Register(wsConn)

	go wsConn.WritePump()
	go wsConn.ReadPump()
}

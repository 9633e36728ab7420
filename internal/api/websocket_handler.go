package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/contextkeeper/workspace-query/internal/models"
	"github.com/contextkeeper/workspace-query/internal/services"
	"github.com/contextkeeper/workspace-query/internal/utils"
)

const (
	wsReadLimit    = 64 << 10
	wsPongWait     = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// WebSocket升级器
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// 跨域策略交给CORS中间件
		return true
	},
}

// StageEvent 流水线阶段事件
type StageEvent struct {
	Stage     services.Stage `json:"stage"`
	ElapsedMs int64          `json:"elapsedMs"`
}

// wsConn 串行化写入；预算超时后后台流水线仍可能回调观察者
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) writeJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

// HandleQueryWebSocket 每收到一条 QueryRequest 消息，先推送各阶段事件，最后推送 QueryResponse
func (h *Handler) HandleQueryWebSocket(c *gin.Context) {
	ctx := c.Request.Context()
	logger := utils.Logger(ctx)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写回了错误响应
		logger.WithError(err).Warn("[WebSocket] 升级连接失败")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	ws := &wsConn{conn: conn}
	logger.Info("[WebSocket] 连接已建立")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithError(err).Warn("[WebSocket] 连接异常关闭")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var req models.QueryRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if err := ws.writeJSON(invalidQuery(err)); err != nil {
				return
			}
			continue
		}

		var (
			doneMu sync.Mutex
			done   bool
		)
		observer := func(stage services.Stage, elapsed time.Duration) {
			doneMu.Lock()
			defer doneMu.Unlock()
			if done {
				return
			}
			if err := ws.writeJSON(StageEvent{Stage: stage, ElapsedMs: elapsed.Milliseconds()}); err != nil {
				logger.WithError(err).Debug("[WebSocket] 推送阶段事件失败")
			}
		}

		resp := h.queries.HandleWithObserver(ctx, req, observer)

		doneMu.Lock()
		done = true
		doneMu.Unlock()

		logger.WithFields(logrus.Fields{
			"success":  resp.Success,
			"cached":   resp.Cached,
			"total_ms": resp.Performance.TotalTimeMs,
		}).Debug("[WebSocket] 查询完成")
		if err := ws.writeJSON(resp); err != nil {
			logger.WithError(err).Warn("[WebSocket] 推送查询结果失败")
			return
		}
	}
}

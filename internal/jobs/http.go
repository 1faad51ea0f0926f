package jobs

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler は /api/imports/:id 系のエンドポイントを提供します。
type Handler struct {
	manager  *Manager
	upgrader websocket.Upgrader
	interval time.Duration
	// maxEmpty は Snapshot が無い状態で待つ試行回数の上限です。
	maxEmpty int
	logger   *zap.Logger
}

// NewHandler は Handler を作成します。
func NewHandler(manager *Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// オリジンの制限は CORS 設定に任せる
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		interval: manager.cfg.PollInterval,
		maxEmpty: manager.cfg.PollMaxAttempts,
		logger:   logger,
	}
}

// Register はルートを登録します。
func (h *Handler) Register(group *gin.RouterGroup) {
	group.POST("/:id/run", h.Run)
	group.GET("/:id", h.Status)
	group.POST("/:id/finalize", h.Finalize)
	group.DELETE("/:id", h.Reset)
	group.GET("/:id/ws", h.Stream)
}

// Run は POST /api/imports/:id/run を処理します。
func (h *Handler) Run(c *gin.Context) {
	snap, started, err := h.manager.Run(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	status := http.StatusOK
	if started {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{
		"jobId":    c.Param("id"),
		"started":  started,
		"progress": snap,
	})
}

// Status は GET /api/imports/:id を処理します。
func (h *Handler) Status(c *gin.Context) {
	st, err := h.manager.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	if !st.Known() {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
		return
	}
	c.JSON(http.StatusOK, st)
}

// Finalize は POST /api/imports/:id/finalize を処理します。
func (h *Handler) Finalize(c *gin.Context) {
	if err := h.manager.Finalize(c.Request.Context(), c.Param("id")); err != nil {
		h.respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"jobId":     c.Param("id"),
		"finalized": true,
	})
}

// Reset は DELETE /api/imports/:id を処理します。
// 実行中のジョブは force=true を指定した場合だけリセットします。
func (h *Handler) Reset(c *gin.Context) {
	jobID := c.Param("id")
	force, _ := strconv.ParseBool(c.DefaultQuery("force", "false"))

	if !force {
		snap, err := h.manager.Progress(c.Request.Context(), jobID)
		if err != nil {
			h.respondWithError(c, err)
			return
		}
		if snap != nil && !snap.Finished() {
			c.JSON(http.StatusConflict, gin.H{
				"code":    "JOB_RUNNING",
				"message": "実行中のジョブはリセットできません。force=true で強制的にリセットできます。",
			})
			return
		}
	}

	if err := h.manager.Reset(c.Request.Context(), jobID); err != nil {
		h.respondWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Stream は GET /api/imports/:id/ws を処理します。
// Snapshot が変わるたびに送信し、Finished を送ったら接続を閉じます。
// 実行が失敗した場合はエラーメッセージを載せたクローズフレームで終了します。
// Snapshot が現れないまま試行回数の上限を超えた場合も接続を閉じます。
func (h *Handler) Stream(c *gin.Context) {
	jobID := c.Param("id")
	if err := ValidateJobID(jobID); err != nil {
		h.respondWithError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("job", jobID), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	// クライアントからの切断を検知するために読み捨てる
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var last []byte
	for empty := 0; ; {
		st, err := h.manager.Status(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("progress stream aborted", zap.String("job", jobID), zap.Error(err))
			closeStream(conn, websocket.CloseInternalServerErr, err.Error())
			return
		}

		// Fail はエラーを記録してからロックを解放する
		if st.LastError != "" && !st.Locked {
			closeStream(conn, websocket.CloseInternalServerErr, "import failed: "+st.LastError)
			return
		}

		if snap := st.Progress; snap != nil {
			empty = 0
			payload, err := snap.MarshalJSON()
			if err != nil {
				return
			}
			if string(payload) != string(last) {
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
				last = payload
			}
			if snap.Finished() {
				closeStream(conn, websocket.CloseNormalClosure, "finished")
				return
			}
		} else {
			empty++
			if empty > h.maxEmpty {
				closeStream(conn, websocket.CloseTryAgainLater, "no progress published")
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// closeReasonLimit はクローズフレームに載せられる理由の最大バイト数です。
const closeReasonLimit = 123

func closeStream(conn *websocket.Conn, code int, reason string) {
	if len(reason) > closeReasonLimit {
		reason = strings.ToValidUTF8(reason[:closeReasonLimit], "")
	}
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

func (h *Handler) respondWithError(c *gin.Context, err error) {
	status, code, message := http.StatusInternalServerError, "INTERNAL_ERROR", "サーバー内部でエラーが発生しました。"
	switch {
	case errors.Is(err, ErrInvalidJobID):
		status, code, message = http.StatusBadRequest, "INVALID_INPUT", "ジョブIDの形式が正しくありません。"
	case errors.Is(err, ErrStoreUnavailable):
		status, code, message = http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "共有ストアに接続できません。"
	case errors.Is(err, ErrPollTimeout):
		status, code, message = http.StatusGatewayTimeout, "POLL_TIMEOUT", err.Error()
	case errors.Is(err, ErrNotAwaitingFinalize):
		status, code, message = http.StatusConflict, "NOT_AWAITING_FINALIZE", "ジョブは確定待ちではありません。"
	case errors.Is(err, context.Canceled):
		status, code, message = http.StatusRequestTimeout, "REQUEST_CANCELED", "リクエストがキャンセルされました。"
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("import request failed",
			zap.String("path", c.FullPath()),
			zap.String("job", c.Param("id")),
			zap.Error(err))
	}
	c.JSON(status, gin.H{
		"code":    code,
		"message": message,
	})
}

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"kenpin/internal/inspection"
	"kenpin/internal/session"
)

// AddCameraRequest はカメラ登録リクエスト
type AddCameraRequest struct {
	Serial string `json:"serial" binding:"required"` // シリアル番号
	IP     string `json:"ip" binding:"required,ip"`  // ネットワークアドレス
}

// CameraResponse はカメラ1台の状態
type CameraResponse struct {
	Serial          string               `json:"serial"`
	Host            string               `json:"host"`
	SessionState    session.State        `json:"session_state"`
	Ready           bool                 `json:"ready"`
	Terminal        bool                 `json:"terminal"`
	LastHealthCheck *time.Time           `json:"last_health_check,omitempty"`
	Phase           inspection.Phase     `json:"phase,omitempty"`
	Tier            inspection.Tier      `json:"tier,omitempty"`
	Display         string               `json:"display"` // オペレーター向けの表示状態
	Outcomes        []inspection.Outcome `json:"outcomes,omitempty"`
	Committed       bool                 `json:"committed"`
}

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// handleStatus はシステム状態取得エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "running",
		"server": gin.H{
			"host": s.config.Server.Host,
			"port": s.config.Server.Port,
		},
		"cameras":   s.pool.Count(),
		"timestamp": time.Now(),
	})
}

// handleAddCamera はカメラを登録して検査サイクルを開始する
func (s *Server) handleAddCamera(c *gin.Context) {
	var req AddCameraRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "invalid_request",
			Message:   "シリアル番号とIPアドレスを指定してください",
			Timestamp: time.Now(),
		})
		return
	}

	// 検査サイクルとセッションの接続維持はHTTPリクエストより長く動くため、
	// リクエストのコンテキストには紐付けない
	identity := session.Identity{Serial: req.Serial, Host: req.IP}
	sess := s.pool.Register(context.Background(), identity)
	s.manager.Start(context.Background(), sess)

	c.JSON(http.StatusCreated, s.cameraResponse(sess.Snapshot()))
}

// handleRemoveCamera はカメラの登録を解除する
// 実行中の検査は中断され、途中経過は破棄される
func (s *Server) handleRemoveCamera(c *gin.Context) {
	serial := c.Param("serial")

	if _, ok := s.pool.Get(serial); !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     "camera_not_found",
			Message:   "指定されたカメラが見つかりません",
			Timestamp: time.Now(),
		})
		return
	}

	s.manager.Stop(serial)
	s.pool.Deregister(serial)

	c.JSON(http.StatusOK, gin.H{
		"serial":    serial,
		"removed":   true,
		"timestamp": time.Now(),
	})
}

// handleListCameras は全カメラの状態一覧を返す
func (s *Server) handleListCameras(c *gin.Context) {
	snapshots := s.pool.Snapshots()
	cameras := make([]CameraResponse, 0, len(snapshots))
	for _, snapshot := range snapshots {
		cameras = append(cameras, s.cameraResponse(snapshot))
	}

	c.JSON(http.StatusOK, gin.H{
		"cameras": cameras,
	})
}

// handleGetCamera はカメラ1台の状態を返す
func (s *Server) handleGetCamera(c *gin.Context) {
	serial := c.Param("serial")

	sess, ok := s.pool.Get(serial)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     "camera_not_found",
			Message:   "指定されたカメラが見つかりません",
			Timestamp: time.Now(),
		})
		return
	}

	c.JSON(http.StatusOK, s.cameraResponse(sess.Snapshot()))
}

// cameraResponse はセッションと検査の状態をまとめて応答に変換する
func (s *Server) cameraResponse(snapshot session.Snapshot) CameraResponse {
	response := CameraResponse{
		Serial:       snapshot.Serial,
		Host:         snapshot.Host,
		SessionState: snapshot.State,
		Ready:        snapshot.Ready,
		Terminal:     snapshot.Terminal,
	}

	if !snapshot.LastHealthCheck.IsZero() {
		t := snapshot.LastHealthCheck
		response.LastHealthCheck = &t
	}

	status, ok := s.manager.Status(snapshot.Serial)
	if ok {
		response.Phase = status.Phase
		response.Tier = status.Tier
		response.Outcomes = status.Outcomes
		response.Committed = status.Committed
	}

	response.Display = displayState(snapshot, status, ok)
	return response
}

// displayState はオペレーター向けの表示状態を決める
// 準備完了待ちの停滞・OTP書き込み失敗の警報は区別して表示する
func displayState(snapshot session.Snapshot, status inspection.Status, hasStatus bool) string {
	if snapshot.Terminal {
		return "回復不能（要確認）"
	}

	if !hasStatus {
		return "検査未開始"
	}

	if status.Alarm {
		return "OTP書き込み失敗（警報・手動対応が必要）"
	}

	if status.Stuck {
		return "デバイス応答待ちが超過（停滞）"
	}

	switch status.Phase {
	case inspection.PhaseAwaitingReady:
		return "デバイス準備待ち"
	case inspection.PhaseReadingTier:
		return "OTP階層読み出し中"
	case inspection.PhaseRunningPlan:
		return "テスト実行中"
	case inspection.PhaseAwaitingCommit:
		return "OTP書き込み中"
	case inspection.PhaseCompleted:
		if status.Committed {
			return "検査合格・OTP書き込み済み"
		}
		if status.Tier == inspection.TierTested2 {
			return "検査完了済み（tested2）"
		}
		return "検査終了（不合格あり）"
	case inspection.PhaseAborted:
		return "検査中断"
	default:
		return string(status.Phase)
	}
}

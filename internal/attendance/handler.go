package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"SCAA-backend/internal/broadcast"
	"SCAA-backend/internal/platform/auth"
)

type Handler struct {
	svc      *Manager
	hub      *broadcast.Hub
	upgrader *websocket.Upgrader
}

// RegisterRoutes: faculty / student はそれぞれロール制限済みのグループ
func RegisterRoutes(faculty, student gin.IRoutes, svc *Manager, hub *broadcast.Hub, up *websocket.Upgrader) {
	h := &Handler{svc: svc, hub: hub, upgrader: up}

	// 教員: セッション操作
	faculty.POST("/sessions", h.CreateSession)
	faculty.GET("/sessions/:session_id", h.GetSession)
	faculty.GET("/sessions/:session_id/records", h.ListRecords)
	faculty.GET("/sessions/:session_id/report.csv", h.ExportReport)
	faculty.POST("/sessions/:session_id/close", h.CloseSession)
	// GET /live?sessionId=...&sessionId=... (WebSocket)
	faculty.GET("/live", h.Live)

	// 学生: QRスキャン
	student.POST("/sessions/:session_id/scan", h.Scan)
	student.POST("/scan", h.Scan)
}

// ---------- handlers ----------

// POST /sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(CodeInvalidArgument, "classId, subjectId and period are required"))
		return
	}

	sess, err := h.svc.CreateSession(c.Request.Context(), CreateSessionInput{
		ClassID:   req.ClassID,
		FacultyID: auth.Subject(c),
		SubjectID: req.SubjectID,
		Period:    string(req.Period),
	})
	if err != nil {
		c.JSON(ToHTTPStatus(err), errorFromErr(err))
		return
	}

	c.Header("Location", "/sessions/"+sess.ID)
	c.JSON(http.StatusCreated, CreateSessionResponse{
		SessionID: sess.ID,
		Token:     sess.CurrentToken,
		ExpiresAt: sess.TokenExpiresAt(),
		ClosesAt:  sess.Deadline(),
	})
}

// GET /sessions/:session_id
func (h *Handler) GetSession(c *gin.Context) {
	sess, t, err := h.svc.GetSession(c.Request.Context(), c.Param("session_id"), auth.Subject(c))
	if err != nil {
		c.JSON(ToHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, toSessionDTO(sess, t))
}

// GET /sessions/:session_id/records
func (h *Handler) ListRecords(c *gin.Context) {
	sess, records, err := h.svc.ListRecords(c.Request.Context(), c.Param("session_id"), auth.Subject(c))
	if err != nil {
		c.JSON(ToHTTPStatus(err), errorFromErr(err))
		return
	}
	out := make([]RecordResponse, 0, len(records))
	for i := 0; i < len(records); i++ {
		out = append(out, toRecordDTO(records[i]))
	}
	c.JSON(http.StatusOK, RecordsResponse{SessionID: sess.ID, State: sess.State, Records: out})
}

// GET /sessions/:session_id/report.csv?encoding=utf8|sjis&header=true
func (h *Handler) ExportReport(c *gin.Context) {
	enc, ok := normalizeReportEncoding(c.Query("encoding"))
	if !ok {
		c.JSON(http.StatusBadRequest, errorBody(CodeInvalidArgument, "encoding must be utf8 or sjis"))
		return
	}
	sess, records, err := h.svc.ListRecords(c.Request.Context(), c.Param("session_id"), auth.Subject(c))
	if err != nil {
		c.JSON(ToHTTPStatus(err), errorFromErr(err))
		return
	}

	charset := "utf-8"
	if enc == ReportEncodingShiftJIS {
		charset = "shift_jis"
	}
	c.Header("Content-Type", "text/csv; charset="+charset)
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="attendance_%s.csv"`, sess.ID))
	c.Status(http.StatusOK)
	if err := WriteReportCSV(c.Writer, records, enc, parseBoolDefault(c.Query("header"), true)); err != nil {
		log.Printf("[ERROR] report %s: %v", sess.ID, err)
	}
}

// POST /sessions/:session_id/close
func (h *Handler) CloseSession(c *gin.Context) {
	id := c.Param("session_id")
	if err := h.svc.CloseSession(c.Request.Context(), id, auth.Subject(c)); err != nil {
		c.JSON(ToHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session closed", "sessionId": id})
}

// POST /sessions/:session_id/scan, POST /scan
func (h *Handler) Scan(c *gin.Context) {
	var req ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(CodeInvalidArgument, "token is required"))
		return
	}

	// 本人以外の代理スキャンは不可
	sub := auth.Subject(c)
	if req.StudentID == "" {
		req.StudentID = sub
	}
	if req.StudentID != sub {
		c.JSON(http.StatusUnauthorized, errorFromErr(ErrUnauthorized))
		return
	}

	res, err := h.svc.Scan(c.Request.Context(), ScanInput{
		SessionID: c.Param("session_id"),
		Token:     req.Token,
		StudentID: req.StudentID,
	})
	if err != nil {
		c.JSON(ToHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, ScanResponse{
		Message:   "Attendance marked successfully",
		SessionID: res.SessionID,
		StudentID: res.StudentID,
		MarkedAt:  res.MarkedAt,
	})
}

// GET /live
func (h *Handler) Live(c *gin.Context) {
	ids := c.QueryArray("sessionId")
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, errorBody(CodeInvalidArgument, "at least one sessionId is required"))
		return
	}

	actor := auth.Subject(c)
	for _, id := range ids {
		if _, err := h.svc.CanObserve(c.Request.Context(), id, actor); err != nil {
			c.JSON(ToHTTPStatus(err), errorFromErr(err))
			return
		}
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 側でエラー応答済み
		log.Printf("[WARN] failed to upgrade to WebSocket: %v", err)
		return
	}
	// 購読登録後に現在のQRを読む（間のローテーションを取りこぼさない）
	ctx := context.WithoutCancel(c.Request.Context())
	h.hub.ServeWS(ws, ids, func(sub *broadcast.Subscription) {
		err := h.svc.Snapshot(ctx, ids, func(ev broadcast.Event) { h.hub.Send(sub, ev) })
		if err != nil {
			log.Printf("[WARN] live snapshot %v: %v", ids, err)
		}
	})
}

// ---------- helpers ----------

type errorDTO struct {
	Error struct {
		Code    Code   `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorBody(code Code, msg string) errorDTO {
	var e errorDTO
	e.Error.Code = code
	e.Error.Message = msg
	return e
}

func errorFromErr(err error) errorDTO {
	var msg string
	var code Code = CodeInternal
	var api *APIError
	if errors.As(err, &api) {
		code, msg = api.Code, api.Message
	} else {
		log.Printf("[ERROR] %v", err)
		msg = "internal error"
	}
	return errorBody(code, msg)
}

package classes

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type Handler struct{ svc *Service }

// 管理者のみ（呼び出し側で RequireRole(admin) を掛ける）
func RegisterRoutes(r gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}
	r.GET("/classes/:class_id/faculty", h.ListFaculty)
	r.POST("/classes/:class_id/faculty", h.AssignFaculty)
	r.DELETE("/classes/:class_id/faculty/:faculty_id", h.UnassignFaculty)
	r.GET("/classes/:class_id/students", h.ListStudents)
	r.POST("/classes/:class_id/students", h.Enroll)
}

func (h *Handler) ListFaculty(c *gin.Context) {
	resp, err := h.svc.ListFaculty(c.Request.Context(), c.Param("class_id"))
	if err != nil {
		c.JSON(toHTTPStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) AssignFaculty(c *gin.Context) {
	var req AssignFacultyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrInvalid(err.Error()))
		return
	}
	resp, err := h.svc.AssignFaculty(c.Request.Context(), c.Param("class_id"), req.FacultyID)
	if err != nil {
		c.JSON(toHTTPStatus(err), err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) UnassignFaculty(c *gin.Context) {
	err := h.svc.UnassignFaculty(c.Request.Context(), c.Param("class_id"), c.Param("faculty_id"))
	if err != nil {
		c.JSON(toHTTPStatus(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListStudents(c *gin.Context) {
	resp, err := h.svc.ListStudents(c.Request.Context(), c.Param("class_id"))
	if err != nil {
		c.JSON(toHTTPStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Enroll(c *gin.Context) {
	var req EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrInvalid(err.Error()))
		return
	}
	resp, err := h.svc.Enroll(c.Request.Context(), c.Param("class_id"), req.StudentID, req.Name)
	if err != nil {
		c.JSON(toHTTPStatus(err), err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

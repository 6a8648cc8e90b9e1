package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sentinelsec/accountd/internal/models"
	"github.com/sentinelsec/accountd/internal/services"
	"github.com/sentinelsec/accountd/pkg/response"
)

// AdminHandler exposes audit endpoints restricted to administrators.
type AdminHandler struct {
	otp *services.OTPService
}

func NewAdminHandler(otp *services.OTPService) *AdminHandler {
	return &AdminHandler{otp: otp}
}

// GET /api/admin/otp-logs
func (h *AdminHandler) OTPLogs(c *gin.Context) {
	opts := services.ListOptions{
		Page:     parseIntQuery(c, "page", 1),
		PageSize: parseIntQuery(c, "page_size", 50),
		Email:    strings.TrimSpace(c.Query("email")),
	}

	records, total, err := h.otp.List(requestContext(c), opts)
	if err != nil {
		response.Error(c, err)
		return
	}

	logs := make([]gin.H, 0, len(records))
	for i := range records {
		logs = append(logs, otpLogPayload(&records[i]))
	}

	pageSize := opts.PageSize
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))

	response.SuccessWithMeta(c, http.StatusOK, gin.H{"otp_logs": logs}, &response.Meta{
		Page:       opts.Page,
		PerPage:    pageSize,
		Total:      int(total),
		TotalPages: totalPages,
	})
}

// otpLogPayload exposes audit fields without the code itself.
func otpLogPayload(record *models.OTPCode) gin.H {
	return gin.H{
		"id":         record.ID,
		"email":      record.Email,
		"purpose":    record.Purpose,
		"used":       record.Used,
		"expires_at": record.ExpiresAt,
		"created_at": record.CreatedAt,
	}
}

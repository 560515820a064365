package main

import (
	"net/http"
	"strconv"

	"communityshare/pkg/circulation"
	"communityshare/pkg/models"

	"github.com/gin-gonic/gin"
)

func dashboard(c *gin.Context) {
	d, err := engine.Dashboard(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func verifyLedger(c *gin.Context) {
	mismatches, err := engine.VerifyLedger(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if mismatches == nil {
		mismatches = []circulation.LedgerMismatch{}
	}
	c.JSON(http.StatusOK, gin.H{"consistent": len(mismatches) == 0, "mismatches": mismatches})
}

func runReminders(c *gin.Context) {
	window := cfg.ReminderWindowDays
	if raw := c.Query("windowDays"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid windowDays"})
			return
		}
		window = v
	}
	sent, err := engine.SendReminders(c.Request.Context(), window)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queued": sent, "windowDays": window})
}

func createUser(c *gin.Context) {
	var request struct {
		Username            string `json:"username" binding:"required"`
		Email               string `json:"email"`
		FullName            string `json:"fullName"`
		Role                string `json:"role"`
		AutoApproveEligible bool   `json:"autoApproveEligible"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := engine.CreateUser(c.Request.Context(), models.User{
		Username:            request.Username,
		Email:               request.Email,
		FullName:            request.FullName,
		Role:                request.Role,
		AutoApproveEligible: request.AutoApproveEligible,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func updateUser(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var request circulation.UserUpdate
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := engine.UpdateUser(c.Request.Context(), id, request)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

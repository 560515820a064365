package main

import (
	"net/http"

	"communityshare/pkg/scan"

	"github.com/gin-gonic/gin"
)

func createScan(c *gin.Context) {
	var request struct {
		ImageURLs []string `json:"imageUrls" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	session, err := scans.CreateSession(c.Request.Context(), currentUser(c).ID, request.ImageURLs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func listScans(c *gin.Context) {
	list, err := scans.ListSessions(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func getScan(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	session, err := scans.GetSession(c.Request.Context(), id, currentUser(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func analyzeScan(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	session, err := scans.Analyze(c.Request.Context(), id, currentUser(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, session)
}

func confirmScan(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var request scan.ConfirmInput
	if !bindOptional(c, &request) {
		return
	}
	item, err := scans.Confirm(c.Request.Context(), id, currentUser(c).ID, request)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

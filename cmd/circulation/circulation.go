package main

import (
	"net/http"
	"strconv"

	"communityshare/pkg/circulation"
	"communityshare/pkg/models"

	"github.com/gin-gonic/gin"
)

type decisionRequest struct {
	Notes string `json:"notes"`
}

func submitRequest(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	result, err := engine.Submit(c.Request.Context(), id, currentUser(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": result.Request, "loan": result.Loan})
}

func listMyRequests(c *gin.Context) {
	list, err := engine.ListUserRequests(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func cancelRequest(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	req, err := engine.CancelRequest(c.Request.Context(), id, currentUser(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func listPendingRequests(c *gin.Context) {
	list, err := engine.ListPendingRequests(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func approveRequest(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var request decisionRequest
	if !bindOptional(c, &request) {
		return
	}
	result, err := engine.Approve(c.Request.Context(), id, request.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": result.Request, "loan": result.Loan})
}

func denyRequest(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var request decisionRequest
	if !bindOptional(c, &request) {
		return
	}
	req, err := engine.Deny(c.Request.Context(), id, request.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func listMyLoans(c *gin.Context) {
	list, err := engine.ListUserLoans(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func listOverdueLoans(c *gin.Context) {
	list, err := engine.ListOverdueLoans(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func listLoanHistory(c *gin.Context) {
	filter := circulation.HistoryFilter{UserEmail: c.Query("email")}
	if raw := c.Query("itemId"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid itemId"})
			return
		}
		filter.ItemID = uint(id)
	}
	list, err := engine.ListLoanHistory(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// returnLoan closes the loan and, when someone is waiting, tells the head of
// the waitlist the item is back.
func returnLoan(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	result, err := engine.Return(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if result.NextHold != nil {
		if _, err := engine.NotifyNext(c.Request.Context(), result.Loan.ItemID); err != nil {
			logger.Warn("could not notify next holder", "item_id", result.Loan.ItemID, "err", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"loan": result.Loan, "nextHold": result.NextHold})
}

func renewLoan(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	loan, err := engine.Renew(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

func requestRenewal(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	rr, err := engine.RequestRenewal(c.Request.Context(), id, currentUser(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rr)
}

func listPendingRenewals(c *gin.Context) {
	list, err := engine.ListPendingRenewals(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func approveRenewal(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var request decisionRequest
	if !bindOptional(c, &request) {
		return
	}
	loan, err := engine.ApproveRenewal(c.Request.Context(), id, request.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

func denyRenewal(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var request decisionRequest
	if !bindOptional(c, &request) {
		return
	}
	rr, err := engine.DenyRenewal(c.Request.Context(), id, request.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rr)
}

func joinWaitlist(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	hold, err := engine.Join(c.Request.Context(), id, currentUser(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, hold)
}

func listMyHolds(c *gin.Context) {
	list, err := engine.ListUserHolds(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// cancelMyHold lets a member leave a waitlist. Someone else's hold reads as
// missing.
func cancelMyHold(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	user := currentUser(c)
	hold, err := engine.GetHold(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if hold.UserID != user.ID && !isStaff(user) {
		c.JSON(http.StatusNotFound, gin.H{"error": "hold not found"})
		return
	}
	cancelled, err := engine.Cancel(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cancelled)
}

func cancelHold(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	hold, err := engine.Cancel(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, hold)
}

func moveHold(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var request struct {
		Direction circulation.Direction `json:"direction" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	moved, err := engine.Move(c.Request.Context(), id, request.Direction)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": moved})
}

func listWaitlists(c *gin.Context) {
	list, err := engine.ListWaitlists(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func notifyNextHolder(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	hold, err := engine.NotifyNext(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notified": hold != nil, "hold": hold})
}

func listReviews(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	list, err := engine.ListReviews(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []models.Review{}
	}
	c.JSON(http.StatusOK, list)
}

func submitReview(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var request struct {
		Rating  *int   `json:"rating" binding:"required"`
		Comment string `json:"comment"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	review, err := engine.SubmitReview(c.Request.Context(), id, currentUser(c).ID, *request.Rating, request.Comment)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, review)
}

package main

import (
	"net/http"
	"strconv"
	"strings"

	"communityshare/pkg/catalog"
	"communityshare/pkg/metadata"

	"github.com/gin-gonic/gin"
)

func listItems(c *gin.Context) {
	filter := catalog.ListFilter{
		Category:        c.Query("category"),
		IncludeInactive: c.Query("includeInactive") == "true",
	}
	list, err := items.ListItems(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": list, "totalElements": len(list)})
}

func getItem(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	item, err := items.GetItem(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func createItem(c *gin.Context) {
	var request catalog.ItemInput
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	item, err := items.CreateItem(c.Request.Context(), request)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func updateItem(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var request catalog.ItemInput
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	item, err := items.UpdateItem(c.Request.Context(), id, request)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func deactivateItem(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := items.DeactivateItem(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func addItemImage(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var request struct {
		ImageURL string `json:"imageUrl" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	image, err := items.AddImage(c.Request.Context(), id, request.ImageURL)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, image)
}

func setFeaturedImage(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var request struct {
		ImageID uint `json:"imageId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	item, err := items.SetFeaturedImage(c.Request.Context(), id, request.ImageID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func searchCatalog(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = v
	}
	results, err := library.Search(c.Request.Context(), c.Query("q"), metadata.ParseSearchMode(c.Query("mode")), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if results == nil {
		results = []metadata.SearchResult{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func lookupCatalog(c *gin.Context) {
	isbn := strings.TrimSpace(c.Query("isbn"))
	editionKey := strings.TrimSpace(c.Query("editionKey"))

	var result *metadata.LookupResult
	var err error
	switch {
	case isbn != "":
		result, err = library.LookupByISBN(c.Request.Context(), isbn)
	case editionKey != "":
		result, err = library.LookupByEditionKey(c.Request.Context(), editionKey)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "isbn or editionKey is required"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	if result == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no Open Library record"})
		return
	}
	c.JSON(http.StatusOK, result)
}

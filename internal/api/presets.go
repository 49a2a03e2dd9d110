package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"candle-aggregator/internal/scanner"
)

type presetBody struct {
	Name    string          `json:"name" binding:"required"`
	Request scanner.Request `json:"request"`
}

func normalizeRequest(req *scanner.Request) {
	for i, sym := range req.Symbols {
		req.Symbols[i] = strings.ToUpper(strings.TrimSpace(sym))
	}
}

// presetError maps preset store errors onto HTTP statuses.
func (s *server) presetError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, scanner.ErrPresetNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, scanner.ErrPresetExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, scanner.ErrPresetReadOnly):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, scanner.ErrInvalidPreset):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.internalError(c, err)
	}
}

func (s *server) listPresets(c *gin.Context) {
	active, _ := s.Presets.Active()
	c.JSON(http.StatusOK, gin.H{"presets": s.Presets.List(), "active": active.Name})
}

func (s *server) getPreset(c *gin.Context) {
	pr, err := s.Presets.Get(c.Param("name"))
	if err != nil {
		s.presetError(c, err)
		return
	}
	c.JSON(http.StatusOK, pr)
}

func (s *server) createPreset(c *gin.Context) {
	var body presetBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	normalizeRequest(&body.Request)
	pr, err := s.Presets.Create(c.Request.Context(), body.Name, body.Request)
	if err != nil {
		s.presetError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pr)
}

func (s *server) updatePreset(c *gin.Context) {
	var req scanner.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	normalizeRequest(&req)
	pr, err := s.Presets.Update(c.Request.Context(), c.Param("name"), req)
	if err != nil {
		s.presetError(c, err)
		return
	}
	c.JSON(http.StatusOK, pr)
}

func (s *server) deletePreset(c *gin.Context) {
	if err := s.Presets.Delete(c.Request.Context(), c.Param("name")); err != nil {
		s.presetError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) activePreset(c *gin.Context) {
	active, applied := s.Presets.Active()
	c.JSON(http.StatusOK, gin.H{"name": active.Name, "applied": applied, "request": s.Presets.Defaults()})
}

func (s *server) setActivePreset(c *gin.Context) {
	var body struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if err := s.Presets.SetActive(c.Request.Context(), body.Name); err != nil {
		s.presetError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": body.Name})
}

func (s *server) validatePreset(c *gin.Context) {
	var req scanner.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	normalizeRequest(&req)
	errs := scanner.ValidateRequest(s.Base, req)
	if errs == nil {
		errs = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"valid": len(errs) == 0, "errors": errs})
}

func (s *server) applyPreset(c *gin.Context) {
	var req scanner.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	normalizeRequest(&req)
	if err := s.Presets.Apply(req); err != nil {
		s.presetError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": true, "request": s.Presets.Defaults()})
}

func (s *server) timeframeOptions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"base": s.Base.Label(), "timeframes": scanner.TimeframeOptions(s.Base)})
}

func (s *server) scanSymbols(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": s.Scanner.Symbols()})
}

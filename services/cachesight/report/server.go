// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package report

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/milhud/cachesight/services/cachesight"
)

// Provider hands the server the current report. Nil means no session
// has finished yet.
type Provider interface {
	Report() *cachesight.Report
}

// ErrorResponse is the JSON error body of every failing endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Server exposes a finished report over HTTP.
//
// Endpoints:
//
//	GET /api/v1/report    - full report, JSON (text with Accept: text/plain)
//	GET /api/v1/hotspots  - hotspot list only
//	GET /healthz          - liveness
//	GET /metrics          - Prometheus metrics
type Server struct {
	provider Provider
	logger   *slog.Logger
}

// NewServer wraps the provider; the report is fetched per request so a
// long-lived server picks up newer sessions.
func NewServer(provider Provider) *Server {
	return &Server{
		provider: provider,
		logger:   slog.Default().With("component", "report"),
	}
}

// Router assembles the gin engine with recovery middleware.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/api/v1")
	{
		v1.GET("/report", s.handleReport)
		v1.GET("/hotspots", s.handleHotspots)
	}

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

func (s *Server) handleReport(c *gin.Context) {
	r := s.provider.Report()
	if r == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "no report available yet",
			Code:  "NO_REPORT",
		})
		return
	}

	if strings.Contains(c.GetHeader("Accept"), "text/plain") {
		c.Header("Content-Type", "text/plain; charset=utf-8")
		if err := RenderText(c.Writer, r); err != nil {
			s.logger.Error("render text report", "error", err)
		}
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) handleHotspots(c *gin.Context) {
	r := s.provider.Report()
	if r == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "no report available yet",
			Code:  "NO_REPORT",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": r.SessionID,
		"hotspots":   r.Hotspots,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

package server

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sevir/claude-relay/pkg/models"
)

func (s *Server) newGinEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		api.GET("/version", s.handleAPIVersion)
		api.GET("/stats", s.handleAPIStats)
		api.GET("/tasks", s.handleAPITasksList)
		api.GET("/tasks/:id", s.handleAPITaskGet)
		api.DELETE("/tasks/:id", s.handleAPITaskCancel)
	}

	return r
}

func (s *Server) handleAPITasksList(c *gin.Context) {
	statuses, err := parseStatusQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tasks := s.registry.List(statuses...)

	// Newest first.
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})

	items := make([]models.TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, t.ToSummary())
	}

	c.JSON(http.StatusOK, gin.H{"tasks": items})
}

func (s *Server) handleAPITaskGet(c *gin.Context) {
	id := c.Param("id")
	task, ok := s.registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task":    task,
		"elapsed": task.Elapsed().Round(time.Millisecond).String(),
	})
}

func (s *Server) handleAPITaskCancel(c *gin.Context) {
	id := c.Param("id")
	cancelled := s.registry.Cancel(id)
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

func (s *Server) handleAPIStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Stats())
}

func (s *Server) handleAPIVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.version,
		"commit":  s.commit,
	})
}

func parseStatusQuery(c *gin.Context) ([]models.TaskStatus, error) {
	// Both repeated parameters and comma-separated lists are accepted;
	// each parameter value may itself be a comma-separated list.
	var statuses []models.TaskStatus
	for _, raw := range c.QueryArray("status") {
		for _, part := range strings.Split(raw, ",") {
			st := models.TaskStatus(strings.TrimSpace(part))
			if st == "" {
				continue
			}
			if !models.ValidStatus(st) {
				return nil, &apiError{msg: "invalid status"}
			}
			statuses = append(statuses, st)
		}
	}
	return statuses, nil
}

type apiError struct{ msg string }

func (e *apiError) Error() string { return e.msg }

package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"asyncload/internal/imageloader"
	"asyncload/internal/prefetch"
)

const defaultWaitTimeout = 30 * time.Second

// Images is the part of the image loader the handlers use.
type Images interface {
	Get(ctx context.Context, req imageloader.Request) ([]byte, error)
	Evict(url string)
	Stats() imageloader.Stats
}

type imageQuery struct {
	URL    string `form:"url" binding:"required"`
	Width  int    `form:"w" binding:"gte=0,lte=8192"`
	Height int    `form:"h" binding:"gte=0,lte=8192"`
}

type jobsResponse struct {
	Jobs []*prefetch.Job `json:"jobs"`
}

type API struct {
	images      Images
	jobs        *prefetch.Manager
	waitTimeout time.Duration
}

func NewAPI(images Images, jobs *prefetch.Manager, waitTimeout time.Duration) *API {
	if waitTimeout <= 0 {
		waitTimeout = defaultWaitTimeout
	}
	return &API{images: images, jobs: jobs, waitTimeout: waitTimeout}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/images", a.GetImage)
		api.DELETE("/images", a.EvictImage)
		api.GET("/cache", a.CacheStats)
		api.POST("/prefetch", a.StartPrefetch)
		api.GET("/prefetch", a.ListPrefetch)
		api.GET("/prefetch/:tag", a.GetPrefetch)
		api.DELETE("/prefetch/:tag", a.StopPrefetch)
	}
}

// GetImage serves an image from the caches, loading it if needed
func (a *API) GetImage(c *gin.Context) {
	var q imageQuery
	if err := c.ShouldBindQuery(&q); err != nil || !validURL(q.URL) {
		log.Warn().Str("url", q.URL).Err(err).Msg("invalid image request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), a.waitTimeout)
	defer cancel()

	data, err := a.images.Get(ctx, imageloader.Request{URL: q.URL, Width: q.Width, Height: q.Height})
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			log.Warn().Str("url", q.URL).Msg("image load timed out")
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "load timed out"})
		case errors.Is(err, context.Canceled):
			// client went away
			c.Status(499)
		default:
			log.Warn().Str("url", q.URL).Err(err).Msg("image load failed")
			c.JSON(http.StatusBadGateway, gin.H{"error": "load failed"})
		}
		return
	}
	c.Header("Cache-Control", "public, max-age=3600")
	c.Data(http.StatusOK, http.DetectContentType(data), data)
}

// EvictImage drops every cached rendition of a URL
func (a *API) EvictImage(c *gin.Context) {
	raw := c.Query("url")
	if !validURL(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	a.images.Evict(raw)
	log.Info().Str("url", raw).Msg("image evicted")
	c.Status(http.StatusNoContent)
}

// CacheStats reports cache occupancy and counters
func (a *API) CacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, a.images.Stats())
}

// StartPrefetch starts a background job that warms the caches
func (a *API) StartPrefetch(c *gin.Context) {
	var req prefetch.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid prefetch request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	job, err := a.jobs.Start(req)
	if err != nil {
		switch {
		case errors.Is(err, prefetch.ErrBusy):
			log.Warn().Msg("rejecting prefetch: server is at max concurrency")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server busy"})
		case errors.Is(err, prefetch.ErrJobRunning):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			log.Warn().Err(err).Msg("failed to start prefetch")
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// ListPrefetch lists known jobs
func (a *API) ListPrefetch(c *gin.Context) {
	c.JSON(http.StatusOK, jobsResponse{Jobs: a.jobs.Jobs()})
}

// GetPrefetch returns job status; consume=true collects a finished result
func (a *API) GetPrefetch(c *gin.Context) {
	tag := c.Param("tag")
	job, err := a.jobs.Get(tag, c.Query("consume") == "true")
	if err != nil {
		if errors.Is(err, prefetch.ErrJobNotFound) {
			log.Warn().Str("tag", tag).Msg("job not found on get")
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

// StopPrefetch interrupts a running job
func (a *API) StopPrefetch(c *gin.Context) {
	tag := c.Param("tag")
	if err := a.jobs.Stop(tag); err != nil {
		switch {
		case errors.Is(err, prefetch.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		case errors.Is(err, prefetch.ErrNotRunning):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.Status(http.StatusNoContent)
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

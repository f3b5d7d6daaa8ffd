// Package httpapi implements C8, the Composition Service: a Gin HTTP
// surface over the orchestrator. POST /generate-video runs one job
// synchronously and returns its result; GET /videos/{filename} serves the
// resulting files from a sandboxed output directory; GET /search is
// delegated to an out-of-scope collaborator and stubbed here; GET /health
// is a liveness probe (§4.8, §6).
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/hodaa/videostitch/internal/orchestrator"
	"github.com/hodaa/videostitch/internal/pipeline"
)

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Runner is the subset of *orchestrator.Orchestrator the HTTP layer
// depends on, so handlers can be tested against a fake.
type Runner interface {
	Run(ctx context.Context, opts orchestrator.Options) (pipeline.Result, error)
}

// Server wires the generate-video, video-download, search-stub and health
// routes onto a Gin engine (§4.8).
type Server struct {
	engine    *gin.Engine
	runner    Runner
	outputDir string
	log       zerolog.Logger
}

// Config configures CORS and other serving-layer concerns not owned by the
// orchestrator itself.
type Config struct {
	// AllowedOrigins narrows CORS from the permissive local-dev default
	// (§4.8 "CORS is permissive by default ... the deployment may
	// narrow it"). Empty means "allow all origins".
	AllowedOrigins []string
}

// New builds a Server. outputDir must match the orchestrator's configured
// output root, since /videos/{filename} is sandboxed to it.
func New(runner Runner, outputDir string, cfg Config, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(log))
	engine.Use(corsMiddleware(cfg))

	s := &Server{engine: engine, runner: runner, outputDir: outputDir, log: log}
	s.routes()
	return s
}

// Handler returns the underlying http.Handler, for use with http.Server or
// httptest.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.POST("/generate-video", s.handleGenerateVideo)
	s.engine.GET("/videos/:filename", s.handleServeVideo)
	s.engine.GET("/search", s.handleSearchStub)
}

func corsMiddleware(cfg Config) gin.HandlerFunc {
	c := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = cfg.AllowedOrigins
	}
	c.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	c.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	return cors.New(c)
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleSearchStub returns 501: the full-text caption search endpoint is
// explicitly out of scope for this service (§1, §4.8, §9 open question 1).
func (s *Server) handleSearchStub(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{
		"error": "search is served by a separate read-only query path, not this service",
	})
}

// handleServeVideo serves a generated file by name, sandboxed to the
// output directory; rejects any filename that would escape it (§6).
func (s *Server) handleServeVideo(c *gin.Context) {
	name := c.Param("filename")
	if name == "" || strings.Contains(name, "/") || strings.Contains(name, `\`) || name == "." || name == ".." {
		c.Status(http.StatusNotFound)
		return
	}

	full := filepath.Join(s.outputDir, name)
	rel, err := filepath.Rel(s.outputDir, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		c.Status(http.StatusNotFound)
		return
	}

	if !fileExists(full) {
		c.Status(http.StatusNotFound)
		return
	}

	c.File(full)
}

// generateVideoRequest mirrors the POST /generate-video JSON body (§6).
type generateVideoRequest struct {
	Text                 string  `json:"text" binding:"required"`
	Lang                 string  `json:"lang"`
	MaxPhraseLength      int     `json:"maxPhraseLength"`
	ClipPaddingStart     float64 `json:"clipPaddingStart"`
	ClipPaddingEnd       float64 `json:"clipPaddingEnd"`
	AddSubtitles         bool    `json:"addSubtitles"`
	AspectRatio          string  `json:"aspectRatio"`
	WatermarkText        string  `json:"watermarkText"`
	IntroText            string  `json:"introText"`
	OutroText            string  `json:"outroText"`
	EnhanceAudio         bool    `json:"enhanceAudio"`
	KeepOriginalAudio    bool    `json:"keepOriginalAudio"`
	MaxDownloadWorkers   int     `json:"maxDownloadWorkers"`
	MaxProcessingWorkers int     `json:"maxProcessingWorkers"`
}

// generateVideoResponse mirrors the POST /generate-video JSON response
// (§6).
type generateVideoResponse struct {
	Status           string                `json:"status"`
	VideoURL         string                `json:"videoUrl,omitempty"`
	OriginalVideoURL string                `json:"originalVideoUrl,omitempty"`
	WordTimings      []pipeline.WordTiming `json:"wordTimings"`
	MissingWords     []string              `json:"missingWords"`
	Message          string                `json:"message,omitempty"`
}

const (
	defaultMaxPhraseLength  = 10
	defaultClipPaddingStart = 0.15
	defaultClipPaddingEnd   = 0.15
)

func (s *Server) handleGenerateVideo(c *gin.Context) {
	var req generateVideoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text must not be empty"})
		return
	}

	aspect, ok := parseAspect(req.AspectRatio)
	if req.AspectRatio != "" && !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "aspectRatio must be one of 16:9, 9:16, 1:1"})
		return
	}

	opts := orchestrator.Options{
		Text:                 req.Text,
		MaxPhraseLength:      withDefault(req.MaxPhraseLength, defaultMaxPhraseLength),
		ClipPaddingStart:     withDefaultFloat(req.ClipPaddingStart, defaultClipPaddingStart),
		ClipPaddingEnd:       withDefaultFloat(req.ClipPaddingEnd, defaultClipPaddingEnd),
		Aspect:               aspect,
		AddSubtitles:         req.AddSubtitles,
		EnhanceAudio:         req.EnhanceAudio,
		KeepOriginalAudio:    req.KeepOriginalAudio,
		MaxDownloadWorkers:   req.MaxDownloadWorkers,
		MaxProcessingWorkers: req.MaxProcessingWorkers,
	}

	result, err := s.runner.Run(c.Request.Context(), opts)
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := generateVideoResponse{
		Status:       string(result.Status),
		WordTimings:  result.WordTimings,
		MissingWords: result.MissingTokens,
		Message:      result.Message,
	}
	if result.OutputPath != "" {
		resp.VideoURL = "/videos/" + filepath.Base(result.OutputPath)
	}
	if result.OriginalOutputPath != "" {
		resp.OriginalVideoURL = "/videos/" + filepath.Base(result.OriginalOutputPath)
	}

	switch result.Status {
	case pipeline.StatusSuccess, pipeline.StatusPartial:
		c.JSON(http.StatusOK, resp)
	case pipeline.StatusCancelled:
		c.JSON(499, resp)
	default:
		if resp.Message == "" {
			resp.Message = "video generation failed"
		}
		c.JSON(http.StatusInternalServerError, resp)
	}
}

// writeError maps a pipeline.Error's Kind to an HTTP status per §7's table.
func (s *Server) writeError(c *gin.Context, err error) {
	var perr *pipeline.Error
	if errors.As(err, &perr) && perr.Kind == pipeline.KindBadRequest {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.log.Error().Err(err).Msg("generate-video failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func parseAspect(s string) (pipeline.AspectRatio, bool) {
	switch pipeline.AspectRatio(s) {
	case pipeline.Aspect16x9, pipeline.Aspect9x16, pipeline.Aspect1x1:
		return pipeline.AspectRatio(s), true
	case "":
		return pipeline.Aspect16x9, true
	default:
		return "", false
	}
}

func withDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func withDefaultFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/edirooss/cubed/internal/cache"
	"github.com/edirooss/cubed/internal/cube"
	"github.com/edirooss/cubed/internal/dimtable"
	"github.com/edirooss/cubed/internal/engine"
	"github.com/edirooss/cubed/internal/journal"
	"github.com/edirooss/cubed/internal/rules"
	"github.com/edirooss/cubed/pkg/logging"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ZapLogger is a request-logging middleware: method/route/status/latency/
// client_ip, escalating to Warn/Error above 400/500.
func ZapLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", latency),
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// demoDimensions builds a small fixed two-dimension space (Products x
// Regions, each with one consolidated root over two leaves) so the
// admin surface has something to read/write against out of the box.
// A real deployment wires dimtable.Table from its own element editor
// instead.
func demoDimensions() []cube.Dimension {
	products := dimtable.New([]dimtable.Element{
		{ID: 0, Kind: cube.ElementNumeric},
		{ID: 1, Kind: cube.ElementNumeric},
		{ID: 2, Kind: cube.ElementConsolidated, Children: []cube.WeightedElement{{ID: 0, Weight: 1}, {ID: 1, Weight: 1}}},
	})
	regions := dimtable.New([]dimtable.Element{
		{ID: 0, Kind: cube.ElementNumeric},
		{ID: 1, Kind: cube.ElementNumeric},
		{ID: 2, Kind: cube.ElementConsolidated, Children: []cube.WeightedElement{{ID: 0, Weight: 1}, {ID: 1, Weight: 1}}},
	})
	return []cube.Dimension{products, regions}
}

func parseIDs(s string) ([]uint32, error) {
	parts := strings.Split(s, ",")
	ids := make([]uint32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, err
		}
		ids[i] = uint32(v)
	}
	return ids, nil
}

func main() {
	log := logging.New(os.Getenv("ENV") != "prod")
	defer log.Sync()

	redisAddr := os.Getenv("CUBED_REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "127.0.0.1:6379"
	}
	redisClient := journal.NewClient(redisAddr, 0, log)
	defer redisClient.Close()

	pageStore := journal.NewRedisPageStore(redisClient, log)

	dims := demoDimensions()
	cfg := cube.DefaultConfig()
	budget := cache.NewBudget(cfg.MaxConsolidationCacheBytes, cfg.MaxRuleCacheBytes)

	cubes := make(map[uint32]*engine.Cube)
	mkCube := func(id uint32) *engine.Cube {
		j := journal.NewRedisJournal(redisClient, log, id)
		return engine.New(id, dims, cfg, budget, j, nil, pageStore, log)
	}
	cubes[1] = mkCube(1)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	_ = r.SetTrustedProxies([]string{"127.0.0.1"})
	r.Use(gin.Recovery())

	if os.Getenv("ENV") == "dev" {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:5173"},
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Authorization"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}
	r.Use(ZapLogger(log))

	cubeByParam := func(c *gin.Context) (*engine.Cube, bool) {
		id, err := strconv.ParseUint(c.Param("cube"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "invalid cube id"})
			return nil, false
		}
		cb, ok := cubes[uint32(id)]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"message": "cube not found"})
			return nil, false
		}
		return cb, true
	}

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	r.GET("/api/cubes/:cube/cells/:ids", func(c *gin.Context) {
		cb, ok := cubeByParam(c)
		if !ok {
			return
		}
		ids, err := parseIDs(c.Param("ids"))
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		v, found, err := cb.GetCell(c.Request.Context(), "", ids)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"value": v, "found": found})
	})

	r.PUT("/api/cubes/:cube/cells/:ids", func(c *gin.Context) {
		cb, ok := cubeByParam(c)
		if !ok {
			return
		}
		ids, err := parseIDs(c.Param("ids"))
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		var body struct {
			Value float64 `json:"value"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		if err := cb.SetCellNumeric(c.Request.Context(), "", ids, body.Value); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	r.POST("/api/cubes/:cube/locks", func(c *gin.Context) {
		cb, ok := cubeByParam(c)
		if !ok {
			return
		}
		lockID, err := cb.Lock(c.Request.Context(), "", rules.Area{})
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusConflict, gin.H{"message": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"lock_id": lockID.String()})
	})

	httpserver := &http.Server{
		Addr:           "127.0.0.1:8080",
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 15,
		ErrorLog:       zap.NewStdLog(log.Named("http").WithOptions(zap.AddCallerSkip(1))),
	}

	go func() {
		log.Info("running HTTP server on 127.0.0.1:8080")
		if err := httpserver.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpserver.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}

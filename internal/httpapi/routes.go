package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"reposter/internal/dispatch"
	"reposter/internal/storage"
	logx "reposter/pkg/logx"
)

const maxListLimit = 500

// Handler builds the gin engine. Every route sits behind the token check
// when a token is configured.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog(), s.auth())

	r.GET("/healthz", s.health)

	api := r.Group("/api")
	api.POST("/update", s.update)
	api.GET("/items", s.listItems)
	api.GET("/items/:id", s.getItem)
	api.GET("/watermark", s.getWatermark)
	api.GET("/cycles", s.listCycles)
	api.GET("/cycles/:id", s.getCycle)
	api.GET("/status", s.status)

	if s.cfg.Pprof {
		dbg := r.Group("/debug/pprof")
		dbg.GET("/", gin.WrapF(pprof.Index))
		dbg.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		dbg.GET("/profile", gin.WrapF(pprof.Profile))
		dbg.GET("/symbol", gin.WrapF(pprof.Symbol))
		dbg.POST("/symbol", gin.WrapF(pprof.Symbol))
		dbg.GET("/trace", gin.WrapF(pprof.Trace))
		dbg.GET("/:profile", func(c *gin.Context) {
			pprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
		})
	}
	return r
}

// auth accepts "Authorization: Bearer <token>" or ?token=<token>.
func (s *Server) auth() gin.HandlerFunc {
	tok := []byte(s.cfg.Token)
	return func(c *gin.Context) {
		if len(tok) == 0 {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			const p = "Bearer "
			if ah := c.GetHeader("Authorization"); strings.HasPrefix(ah, p) {
				got = strings.TrimSpace(strings.TrimPrefix(ah, p))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), tok) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)))
	}
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) health(c *gin.Context) {
	cur, busy := s.deps.Cycles.Running()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "running": busy, "cycle_id": cur})
}

// update starts a cycle. By default it returns 202 right away; with
// ?wait=true it runs the cycle in the request and returns the summary.
func (s *Server) update(c *gin.Context) {
	wait, _ := strconv.ParseBool(c.DefaultQuery("wait", "false"))
	if !wait {
		id, err := s.deps.Cycles.Trigger("http")
		if errors.Is(err, dispatch.ErrBusy) {
			cur, _ := s.deps.Cycles.Running()
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "cycle_id": cur})
			return
		}
		if err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"cycle_id": id})
		return
	}

	sum, err := s.deps.Cycles.RunOnce(c.Request.Context(), "http")
	if errors.Is(err, dispatch.ErrBusy) {
		cur, _ := s.deps.Cycles.Running()
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "cycle_id": cur})
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusOK
	if sum.Aborted() {
		status = http.StatusBadGateway
	}
	c.JSON(status, sum)
}

func (s *Server) listItems(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			fail(c, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxListLimit)
	}
	items, err := s.deps.Items.List(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if items == nil {
		items = []storage.ItemRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

func (s *Server) getItem(c *gin.Context) {
	rec, ok, err := s.deps.Items.FindByItemID(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		fail(c, http.StatusNotFound, errors.New("item not found"))
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) getWatermark(c *gin.Context) {
	wm, ok, err := s.deps.Watermark.Get(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"set": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"set": true, "item_id": wm.ItemID, "published_at": wm.PublishedAt})
}

func (s *Server) listCycles(c *gin.Context) {
	h := s.deps.Cycles.History()
	if h == nil {
		h = []dispatch.Summary{}
	}
	cur, busy := s.deps.Cycles.Running()
	c.JSON(http.StatusOK, gin.H{"cycles": h, "running": busy, "cycle_id": cur})
}

func (s *Server) getCycle(c *gin.Context) {
	sum, ok := s.deps.Cycles.Find(c.Param("id"))
	if !ok {
		if cur, busy := s.deps.Cycles.Running(); busy && cur == c.Param("id") {
			c.JSON(http.StatusAccepted, gin.H{"cycle_id": cur, "running": true})
			return
		}
		fail(c, http.StatusNotFound, errors.New("cycle not found"))
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) status(c *gin.Context) {
	out := gin.H{}
	if s.deps.Status != nil {
		for k, v := range s.deps.Status() {
			out[k] = v
		}
	}
	cur, busy := s.deps.Cycles.Running()
	out["running"] = busy
	out["cycle_id"] = cur
	c.JSON(http.StatusOK, out)
}

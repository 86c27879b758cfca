package ops

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/t402-io/gasless-ops/chain"
	"github.com/t402-io/gasless-ops/internal/cperr"
	"github.com/t402-io/gasless-ops/types"
)

// APIConfig wires the operations hub router to its backing stores
// (section 4.2.6).
type APIConfig struct {
	Registry    *Registry
	Supervisor  *Supervisor
	LogStore    *LogStore
	Telemetry   *Telemetry
	Analytics   *Analytics
	Adapter     chain.Adapter
	Deployments chain.Deployments
	AdminToken  string
	StartedAt   time.Time
}

// AdminAuthOption configures the bearer-token admin middleware,
// mirroring the teacher's http/gin/middleware.go functional-options
// builder (WithFacilitatorClient, WithErrorHandler, ...) adapted to a
// single concern: checking one static token.
type AdminAuthOption func(*adminAuthConfig)

type adminAuthConfig struct {
	header string
}

// WithHeaderName overrides the header the admin middleware reads the
// bearer token from (default "Authorization").
func WithHeaderName(name string) AdminAuthOption {
	return func(c *adminAuthConfig) { c.header = name }
}

// adminAuth returns gin middleware rejecting requests that don't carry
// "Bearer <token>" matching the configured admin token (section 6
// "Admin (bearer token)").
func adminAuth(token string, opts ...AdminAuthOption) gin.HandlerFunc {
	cfg := &adminAuthConfig{header: "Authorization"}
	for _, opt := range opts {
		opt(cfg)
	}
	return func(c *gin.Context) {
		got := c.GetHeader(cfg.header)
		if !strings.HasPrefix(got, "Bearer ") || strings.TrimPrefix(got, "Bearer ") != token {
			writeErr(c, cperr.Unauthorizedf("missing or invalid bearer token"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// writeErr maps a *cperr.Error (or any error) to an HTTP response
// (section 7).
func writeErr(c *gin.Context, err error) {
	if ce, ok := cperr.As(err); ok {
		c.JSON(ce.Kind.HTTPStatus(), gin.H{"error": ce.Reason})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// NewRouter builds the operations hub's gin router: public, admin, and
// logs+telemetry route groups (section 4.2.6).
func NewRouter(cfg APIConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	registerPublicRoutes(r, cfg)

	admin := r.Group("/")
	admin.Use(adminAuth(cfg.AdminToken))
	registerAdminRoutes(admin, cfg)

	registerLogsAndTelemetryRoutes(r, cfg)

	return r
}

func registerPublicRoutes(r *gin.Engine, cfg APIConfig) {
	r.GET("/health", func(c *gin.Context) {
		all := cfg.Registry.ListPublic()
		up := 0
		for _, inst := range all {
			if inst.Status == types.BundlerUp {
				up++
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"ok":            true,
			"startedAt":     cfg.StartedAt,
			"bundlersUp":    up,
			"bundlersTotal": len(all),
			"logsCount":     len(cfg.LogStore.Query(Query{Limit: maxQueryLimit})),
		})
	})

	r.GET("/bundlers", func(c *gin.Context) {
		c.JSON(http.StatusOK, cfg.Registry.ListPublic())
	})

	r.GET("/deployments", func(c *gin.Context) {
		c.JSON(http.StatusOK, cfg.Deployments)
	})
}

func registerAdminRoutes(admin *gin.RouterGroup, cfg APIConfig) {
	// The admin group shares the root path with the public routes, so
	// GET /bundlers is registered once, in registerPublicRoutes.
	admin.POST("/bundlers/spawn", func(c *gin.Context) {
		var req SpawnRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeErr(c, cperr.Validationf("malformed spawn request: %v", err))
			return
		}
		inst, err := cfg.Supervisor.Spawn(c.Request.Context(), req)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, inst)
	})

	admin.POST("/bundlers/register", func(c *gin.Context) {
		var inst types.BundlerInstance
		if err := c.ShouldBindJSON(&inst); err != nil {
			writeErr(c, cperr.Validationf("malformed instance: %v", err))
			return
		}
		cfg.Registry.Upsert(inst)
		c.JSON(http.StatusOK, inst.PublicView())
	})

	admin.POST("/bundlers/:id/stop", func(c *gin.Context) {
		if err := cfg.Supervisor.Stop(c.Param("id")); err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"stopped": c.Param("id")})
	})

	admin.POST("/bundlers/:id/unregister", func(c *gin.Context) {
		if err := cfg.Supervisor.Unregister(c.Param("id")); err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"unregistered": c.Param("id")})
	})

	admin.GET("/paymaster/status", func(c *gin.Context) {
		summary := cfg.Analytics.Summary()

		raw, err := cfg.Adapter.PaymasterDeposit(c.Request.Context(), cfg.Deployments.EntryPoint, cfg.Deployments.Paymaster)
		if err != nil {
			writeErr(c, err)
			return
		}
		deposit, err := ToDecimalString(raw)
		if err != nil {
			writeErr(c, cperr.Internalf(err, "coerce paymaster deposit"))
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"chainId":   cfg.Deployments.ChainID,
			"addresses": cfg.Deployments,
			"deposit":   deposit,
			"balances":  summary.TotalGasCost,
			"counters": gin.H{
				"paidFallbackAttempt": cfg.Telemetry.Counter("paid_fallback_attempt"),
				"paidFallbackSuccess": cfg.Telemetry.Counter("paid_fallback_success"),
				"paidFallbackFailure": cfg.Telemetry.Counter("paid_fallback_failure"),
			},
		})
	})

	admin.GET("/metrics/summary", func(c *gin.Context) {
		summary := cfg.Analytics.Summary()
		c.JSON(http.StatusOK, gin.H{
			"sessions":     cfg.Telemetry.ActiveSessions(nowMs(), 0),
			"uniqueOwners": cfg.Telemetry.UniqueOwnerCount(),
			"bundlers":     len(cfg.Registry.ListPublic()),
			"logsCount":    len(cfg.LogStore.Query(Query{Limit: maxQueryLimit})),
			"userOps":      summary.Total,
			"paidFallback": cfg.Telemetry.Counter("paid_fallback_success"),
		})
	})

	admin.GET("/metrics/timeseries", func(c *gin.Context) {
		windowSec := parseIntQuery(c, "windowSec", 3600)
		bucketSec := parseIntQuery(c, "bucketSec", 60)
		c.JSON(http.StatusOK, buildTimeseries(cfg.Analytics, windowSec, bucketSec))
	})

	admin.GET("/metrics/failures", func(c *gin.Context) {
		c.JSON(http.StatusOK, cfg.Analytics.FailureReasons())
	})

	admin.GET("/userops", func(c *gin.Context) {
		limit := parseIntQuery(c, "limit", 0)
		sender := c.Query("sender")
		var success *bool
		if v := c.Query("success"); v != "" {
			b := v == "true"
			success = &b
		}
		c.JSON(http.StatusOK, cfg.Analytics.List(limit, sender, success))
	})

	admin.GET("/users", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"owners":  cfg.Telemetry.Owners(),
			"senders": cfg.Telemetry.Senders(),
		})
	})
}

func registerLogsAndTelemetryRoutes(r *gin.Engine, cfg APIConfig) {
	r.POST("/logs/ingest", func(c *gin.Context) {
		var single types.LogEvent
		if err := c.ShouldBindJSON(&single); err == nil && single.Service != "" {
			if err := cfg.LogStore.Ingest(single); err != nil {
				writeErr(c, cperr.Validationf("%v", err))
				return
			}
			c.JSON(http.StatusOK, gin.H{"ingested": 1})
			return
		}

		var batch []types.LogEvent
		if err := c.ShouldBindJSON(&batch); err != nil {
			writeErr(c, cperr.Validationf("malformed log event(s): %v", err))
			return
		}
		for _, e := range batch {
			if err := cfg.LogStore.Ingest(e); err != nil {
				writeErr(c, cperr.Validationf("%v", err))
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"ingested": len(batch)})
	})

	r.GET("/logs", func(c *gin.Context) {
		q := Query{
			Service:    c.Query("service"),
			Level:      types.Severity(c.Query("level")),
			Contains:   c.Query("contains"),
			RequestID:  c.Query("requestId"),
			QuoteID:    c.Query("quoteId"),
			IntentHash: c.Query("intentHash"),
			Sender:     c.Query("sender"),
			TxHash:     c.Query("txHash"),
			Limit:      parseIntQuery(c, "limit", 0),
		}
		c.JSON(http.StatusOK, cfg.LogStore.Query(q))
	})

	r.GET("/logs/stream", func(c *gin.Context) {
		streamLogs(c, cfg.LogStore)
	})

	r.POST("/telemetry/session", func(c *gin.Context) {
		var hb types.SessionHeartbeat
		if err := c.ShouldBindJSON(&hb); err != nil {
			writeErr(c, cperr.Validationf("malformed heartbeat: %v", err))
			return
		}
		cfg.Telemetry.Heartbeat(hb)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	r.POST("/telemetry/event", func(c *gin.Context) {
		var body struct {
			Name string `json:"name"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			writeErr(c, cperr.Validationf("malformed event: %v", err))
			return
		}
		cfg.Telemetry.IncrCounter(body.Name)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
}

// streamLogs serves /logs/stream as server-sent events via
// gin-contrib/sse, one "event: log" / "data: <json>" frame per
// ingested LogEvent, removing the subscriber synchronously when the
// client disconnects (section 5).
func streamLogs(c *gin.Context, store *LogStore) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	events := make(chan types.LogEvent, 64)
	unsubscribe := store.Subscribe(func(e types.LogEvent) {
		select {
		case events <- e:
		default:
		}
	})
	defer unsubscribe()

	c.Stream(func(w gin.ResponseWriter) bool {
		select {
		case e := <-events:
			sse.Encode(w, sse.Event{Event: "log", Data: e})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func parseIntQuery(c *gin.Context, name string, def int) int {
	v := c.Query(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// timeseriesBucket is one point of a /metrics/timeseries response.
type timeseriesBucket struct {
	BucketStart int64 `json:"bucketStart"`
	Count       int   `json:"count"`
	Success     int   `json:"success"`
	Failure     int   `json:"failure"`
}

// buildTimeseries buckets IntentSummary records into windowSec/bucketSec
// buckets ending now, for the admin dashboard (section 6).
func buildTimeseries(a *Analytics, windowSec, bucketSec int) []timeseriesBucket {
	if bucketSec <= 0 {
		bucketSec = 60
	}
	if windowSec <= 0 {
		windowSec = 3600
	}
	now := nowMs() / 1000
	start := now - int64(windowSec)
	numBuckets := windowSec / bucketSec
	if numBuckets <= 0 {
		numBuckets = 1
	}

	buckets := make([]timeseriesBucket, numBuckets)
	for i := range buckets {
		buckets[i].BucketStart = start + int64(i*bucketSec)
	}

	for _, s := range a.List(0, "", nil) {
		ts := int64(s.Timestamp)
		if s.Timestamp > 1_000_000_000_000 {
			ts = ts / 1000
		}
		if ts < start {
			continue
		}
		idx := int(ts-start) / bucketSec
		if idx < 0 || idx >= len(buckets) {
			continue
		}
		buckets[idx].Count++
		if s.Success {
			buckets[idx].Success++
		} else {
			buckets[idx].Failure++
		}
	}
	return buckets
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

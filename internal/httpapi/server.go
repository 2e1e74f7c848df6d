package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/singleflight"

	"github.com/joelkehle/foodguide-autopost/internal/autopost"
	"github.com/joelkehle/foodguide-autopost/internal/logger"
	"github.com/joelkehle/foodguide-autopost/internal/store"
)

const (
	RunScope        = "autopost:run"
	SignatureHeader = "X-Autopost-Signature"
	maxBodyBytes    = 64 << 10
)

type Runner interface {
	RunWithProgress(ctx context.Context, req autopost.RunRequest, progress autopost.ProgressFn) (autopost.RunResult, error)
}

type FailureLister interface {
	RecentFailures(ctx context.Context, marketID string, limit int) ([]store.FailureRow, error)
}

type Config struct {
	// TriggerSecret is accepted as a bearer token, as an HS256 JWT key and
	// as the HMAC key for signed bodies.
	TriggerSecret string
	// AllowInternal admits unauthenticated callers on the loopback interface.
	AllowInternal bool
	RunTimeout    time.Duration
	// DefaultMarket is substituted when a trigger names no market.
	DefaultMarket string
	Failures      FailureLister
	ServiceName   string
}

type Server struct {
	runner Runner
	cfg    Config
	log    *logger.Logger
	flight singleflight.Group
}

func NewServer(runner Runner, cfg Config, log *logger.Logger) http.Handler {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "autopost-server"
	}
	s := &Server{runner: runner, cfg: cfg, log: log.With("component", "HTTPServer")}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(s.requestLog())

	r.GET("/v1/health", s.handleHealth)
	v1 := r.Group("/v1/autopost", s.requireTrigger())
	v1.POST("/run", s.handleRun)
	if cfg.Failures != nil {
		v1.GET("/failures", s.handleFailures)
	}
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func writeError(c *gin.Context, status int, err error) {
	payload := gin.H{"error": err.Error()}
	if kind := autopost.KindOf(err); kind != "" {
		payload["kind"] = kind
		payload["stage"] = autopost.StageOf(err)
	}
	c.AbortWithStatusJSON(status, payload)
}

// statusFor maps a pipeline error kind to the trigger's HTTP status.
func statusFor(err error) int {
	switch autopost.KindOf(err) {
	case autopost.KindContext:
		return http.StatusUnprocessableEntity
	case autopost.KindGeneration:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var errUnauthorized = errors.New("unauthorized")

func (s *Server) requireTrigger() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AllowInternal && isLoopback(c.Request) {
			c.Next()
			return
		}
		secret := s.cfg.TriggerSecret
		if secret == "" {
			writeError(c, http.StatusInternalServerError, autopost.ConfigError(errors.New("AUTOPOST_TRIGGER_SECRET not configured")))
			return
		}
		if sig := c.GetHeader(SignatureHeader); sig != "" {
			blob, err := readBody(c)
			if err != nil {
				writeError(c, http.StatusBadRequest, err)
				return
			}
			if err := verifySignature(secret, sig, blob); err != nil {
				writeError(c, http.StatusUnauthorized, err)
				return
			}
			c.Next()
			return
		}
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			writeError(c, http.StatusUnauthorized, fmt.Errorf("%w: bearer token required", errUnauthorized))
			return
		}
		if hmac.Equal([]byte(token), []byte(secret)) {
			c.Next()
			return
		}
		if err := verifyToken(secret, token); err != nil {
			s.log.Warn("trigger token rejected", "error", err.Error(), "remote", c.Request.RemoteAddr)
			writeError(c, http.StatusUnauthorized, errUnauthorized)
			return
		}
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	tok := strings.TrimSpace(parts[1])
	return tok, tok != ""
}

// isLoopback trusts the socket peer only. Forwarded requests are never
// internal even when the proxy runs on the same host.
func isLoopback(r *http.Request) bool {
	if r.Header.Get("X-Forwarded-For") != "" || r.Header.Get("Forwarded") != "" {
		return false
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type triggerClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

func verifyToken(secret, raw string) error {
	claims := &triggerClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return err
	}
	if !tok.Valid {
		return errors.New("invalid token")
	}
	for _, scope := range strings.Fields(claims.Scope) {
		if scope == RunScope {
			return nil
		}
	}
	return fmt.Errorf("token lacks scope %s", RunScope)
}

// SignToken issues a trigger JWT for schedulers that cannot hold the raw
// secret in a header.
func SignToken(secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := triggerClaims{
		Scope: RunScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "scheduler",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func verifySignature(secret, signature string, payload []byte) error {
	sig := strings.TrimSpace(signature)
	if strings.HasPrefix(strings.ToLower(sig), "sha256=") {
		sig = sig[len("sha256="):]
	}
	provided, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return fmt.Errorf("%w: invalid signature encoding", errUnauthorized)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return fmt.Errorf("%w: invalid signature", errUnauthorized)
	}
	return nil
}

// readBody buffers the request body and puts it back for later binding.
func readBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	blob, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(blob))
	return blob, nil
}

type runRequest struct {
	Market string `json:"market"`
	// Now overrides the clock for backfills; RFC 3339.
	Now string `json:"now"`
}

type reviewView struct {
	Score   *int     `json:"score"`
	Verdict string   `json:"verdict"`
	Issues  []string `json:"issues"`
}

type draftView struct {
	Slug         string     `json:"slug"`
	Title        string     `json:"title"`
	Status       string     `json:"status"`
	ScheduledFor *time.Time `json:"scheduledFor"`
	CoverLayout  string     `json:"coverLayout"`
	ImageCount   int        `json:"imageCount"`
	Review       reviewView `json:"review"`
}

type runResponse struct {
	Success  bool       `json:"success"`
	Skipped  bool       `json:"skipped"`
	Attempts int        `json:"attempts"`
	Draft    *draftView `json:"draft"`
}

func viewOf(res autopost.RunResult) runResponse {
	out := runResponse{Success: true, Skipped: res.Skipped, Attempts: len(res.Attempts)}
	if rec := res.Record; rec != nil {
		issues := rec.Review.Issues
		if issues == nil {
			issues = []string{}
		}
		out.Draft = &draftView{
			Slug:         rec.Slug,
			Title:        rec.Document.Title,
			Status:       string(rec.Status),
			ScheduledFor: rec.ScheduledFor,
			CoverLayout:  string(rec.Cover.Layout),
			ImageCount:   len(rec.Cover.Images),
			Review:       reviewView{Score: rec.Review.Score, Verdict: rec.Review.Verdict, Issues: issues},
		}
		if out.Attempts == 0 {
			out.Attempts = rec.Attempts
		}
	}
	return out
}

func (s *Server) handleRun(c *gin.Context) {
	blob, err := readBody(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	var req runRequest
	if len(bytes.TrimSpace(blob)) > 0 {
		if err := json.Unmarshal(blob, &req); err != nil {
			writeError(c, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
			return
		}
	}
	if m := strings.TrimSpace(c.Query("market")); m != "" && req.Market == "" {
		req.Market = m
	}
	runReq := autopost.RunRequest{MarketID: strings.TrimSpace(req.Market)}
	if runReq.MarketID == "" {
		runReq.MarketID = s.cfg.DefaultMarket
	}
	if req.Now != "" {
		now, err := time.Parse(time.RFC3339, req.Now)
		if err != nil {
			writeError(c, http.StatusBadRequest, fmt.Errorf("invalid now: %w", err))
			return
		}
		runReq.Now = now
	}

	// The run outlives a dropped client connection but not the timeout.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), s.cfg.RunTimeout)
	defer cancel()

	key := flightKey(runReq)
	v, err, shared := s.flight.Do(key, func() (any, error) {
		log := s.log.With("market", runReq.MarketID)
		return s.runner.RunWithProgress(ctx, runReq, func(state autopost.RunState, msg string) {
			log.Debug("run progress", "state", string(state), "message", msg)
		})
	})
	if shared {
		s.log.Info("coalesced concurrent trigger", "market", runReq.MarketID)
	}
	if err != nil {
		s.log.Error("autopost run failed", "market", runReq.MarketID, "kind", string(autopost.KindOf(err)), "error", err.Error())
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, viewOf(v.(autopost.RunResult)))
}

// flightKey identifies triggers that must share one run: same market and
// same clock override, with the override compared as an instant.
func flightKey(r autopost.RunRequest) string {
	if r.Now.IsZero() {
		return r.MarketID + "|"
	}
	return r.MarketID + "|" + r.Now.UTC().Format(time.RFC3339Nano)
}

func (s *Server) handleFailures(c *gin.Context) {
	market := strings.TrimSpace(c.Query("market"))
	if market == "" {
		writeError(c, http.StatusBadRequest, errors.New("market query parameter required"))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	rows, err := s.cfg.Failures.RecentFailures(c.Request.Context(), market, limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	if rows == nil {
		rows = []store.FailureRow{}
	}
	c.JSON(http.StatusOK, gin.H{"failures": rows})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Package auth はゲートウェイからの API 呼び出しを Bearer トークンで認証し、
// IP ごとの投入レートを制限します。
package auth

import (
	"crypto/sha256"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/yourusername/vidshrink/internal/config"
)

var (
	failureWindow    = 15 * time.Minute
	lockDuration     = 10 * time.Minute
	maxTokenAttempts = 5

	limiterIdleTTL   = 10 * time.Minute
	limiterPruneSize = 1024
)

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	cfg *config.Config

	lock     sync.Mutex
	attempts map[string]*attemptState
	// verified は検証済みトークンの SHA-256 です。毎回 bcrypt を回さないために使います。
	verified map[[sha256.Size]byte]struct{}

	limitLock sync.Mutex
	limiters  map[string]*limiterEntry
	now       func() time.Time
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		cfg:      cfg,
		attempts: make(map[string]*attemptState),
		verified: make(map[[sha256.Size]byte]struct{}),
		limiters: make(map[string]*limiterEntry),
		now:      time.Now,
	}
}

// RequireToken は Authorization: Bearer を検証するミドルウェアを返します。
// API_TOKEN_HASH が未設定の場合（開発環境）は検証しません。
func (m *Manager) RequireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.cfg.APITokenHash == "" {
			c.Next()
			return
		}

		ip := c.ClientIP()
		if retryAfter := m.checkLock(ip); retryAfter > 0 {
			// Retry-After は秒数またはHTTP-Date形式が推奨されているため秒数で返す
			c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds())+1, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "TOO_MANY_ATTEMPTS",
				"message": "一定時間後に再度お試しください",
			})
			return
		}

		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok || !m.verifyToken(token) {
			remaining := m.recordFailure(ip)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":              "UNAUTHORIZED",
				"message":           "有効なAPIトークンが必要です",
				"remainingAttempts": remaining,
			})
			return
		}

		m.resetAttempts(ip)
		c.Next()
	}
}

// LimitSubmit は IP ごとのジョブ投入レートを制限するミドルウェアを返します。
func (m *Manager) LimitSubmit() gin.HandlerFunc {
	perMinute := m.cfg.SubmitRatePerMinute
	return func(c *gin.Context) {
		if perMinute <= 0 {
			c.Next()
			return
		}

		limiter := m.limiterFor(c.ClientIP(), perMinute)
		reservation := limiter.ReserveN(m.now(), 1)
		if delay := reservation.DelayFrom(m.now()); delay > 0 {
			reservation.CancelAt(m.now())
			c.Header("Retry-After", strconv.FormatInt(int64(delay.Seconds())+1, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": "リクエストが多すぎます。しばらくしてから再度お試しください",
			})
			return
		}
		c.Next()
	}
}

func (m *Manager) limiterFor(ip string, perMinute int) *rate.Limiter {
	m.limitLock.Lock()
	defer m.limitLock.Unlock()

	now := m.now()
	if len(m.limiters) >= limiterPruneSize {
		for key, entry := range m.limiters {
			if now.Sub(entry.lastSeen) > limiterIdleTTL {
				delete(m.limiters, key)
			}
		}
	}

	entry, ok := m.limiters[ip]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		}
		m.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

func (m *Manager) verifyToken(token string) bool {
	sum := sha256.Sum256([]byte(token))

	m.lock.Lock()
	_, ok := m.verified[sum]
	m.lock.Unlock()
	if ok {
		return true
	}

	if bcrypt.CompareHashAndPassword([]byte(m.cfg.APITokenHash), []byte(token)) != nil {
		return false
	}
	m.lock.Lock()
	m.verified[sum] = struct{}{}
	m.lock.Unlock()
	return true
}

func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := m.now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

func (m *Manager) recordFailure(ip string) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > failureWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxTokenAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxTokenAttempts
	}

	return max(maxTokenAttempts-state.count, 0)
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Package session はブラウザごとの Cookie セッションを扱います。
// セッションには、そのブラウザから投入したジョブIDの一覧だけを保存します。
package session

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
)

const (
	CookieName = "pdfm_session"

	sessionKeyJobs = "recent_jobs"
	// MaxRecentJobs はセッションに保持するジョブIDの最大数です。
	MaxRecentJobs = 20
)

var maxLifetime = 12 * time.Hour

// Options は Cookie ストアの設定です。
type Options struct {
	// Secret が空の場合は起動ごとに生成した鍵を使います（再起動でセッションは失われます）。
	Secret string
	Secure bool
}

// Middleware はセッションミドルウェアを返します。
func Middleware(opts Options) (gin.HandlerFunc, error) {
	secret := []byte(opts.Secret)
	if len(secret) == 0 {
		generated, err := generateSecret()
		if err != nil {
			return nil, err
		}
		secret = generated
	}

	store := cookie.NewStore(secret)
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int(maxLifetime.Seconds()),
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return sessions.Sessions(CookieName, store), nil
}

// RecordJob はジョブIDをセッションの先頭に追加します。古いものから捨てます。
func RecordJob(c *gin.Context, jobID string) error {
	s := sessions.Default(c)
	ids := append([]string{jobID}, without(readIDs(s), jobID)...)
	if len(ids) > MaxRecentJobs {
		ids = ids[:MaxRecentJobs]
	}
	s.Set(sessionKeyJobs, strings.Join(ids, ","))
	return s.Save()
}

// RecentJobs はこのセッションから投入したジョブIDを新しい順に返します。
func RecentJobs(c *gin.Context) []string {
	return readIDs(sessions.Default(c))
}

// ForgetJobs は指定したジョブIDをセッションから取り除きます。
func ForgetJobs(c *gin.Context, jobIDs ...string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	s := sessions.Default(c)
	ids := readIDs(s)
	for _, id := range jobIDs {
		ids = without(ids, id)
	}
	s.Set(sessionKeyJobs, strings.Join(ids, ","))
	return s.Save()
}

func readIDs(s sessions.Session) []string {
	raw, _ := s.Get(sessionKeyJobs).(string)
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func without(ids []string, target string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != target && id != "" {
			out = append(out, id)
		}
	}
	return out
}

func generateSecret() ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return []byte(hex.EncodeToString(buf)), nil
}

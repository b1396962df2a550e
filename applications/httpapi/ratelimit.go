package httpapi

import (
	"net/http"
	"time"

	"github.com/ciris-ai/cirislens/infrastructure/httputil"
	"github.com/ciris-ai/cirislens/infrastructure/middleware"
)

// tierLimiters holds one per-key rate limiter per access tier (§6: full,
// partner, public), grounded on the teacher's middleware.RateLimiter
// (golang.org/x/time/rate per-key limiters).
type tierLimiters struct {
	full    *middleware.RateLimiter
	partner *middleware.RateLimiter
	public  *middleware.RateLimiter
}

func newTierLimiters(fullPerMin, partnerPerMin, publicPerMin int) *tierLimiters {
	return &tierLimiters{
		full:    middleware.NewRateLimiterWithWindow(fullPerMin, time.Minute, fullPerMin, nil),
		partner: middleware.NewRateLimiterWithWindow(partnerPerMin, time.Minute, partnerPerMin, nil),
		public:  middleware.NewRateLimiterWithWindow(publicPerMin, time.Minute, publicPerMin, nil),
	}
}

func (t *tierLimiters) middleware(next http.Handler) http.Handler {
	fullH := t.full.Handler(next)
	partnerH := t.partner.Handler(next)
	publicH := t.public.Handler(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch httputil.GetAccessTier(r) {
		case "full":
			fullH.ServeHTTP(w, r)
		case "partner":
			partnerH.ServeHTTP(w, r)
		default:
			publicH.ServeHTTP(w, r)
		}
	})
}

package routing

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/example/accessride/internal/models"
)

// Limited throttles calls to a paid or shared routing backend. A caller whose
// context ends while waiting for a token gets the context error and falls
// back like on any other routing failure.
type Limited struct {
	Next    Client
	Limiter *rate.Limiter
}

func NewLimited(next Client, perSecond float64, burst int) *Limited {
	if burst <= 0 {
		burst = 1
	}
	return &Limited{Next: next, Limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *Limited) Route(ctx context.Context, a, b models.Coord) (Route, error) {
	if err := l.Limiter.Wait(ctx); err != nil {
		return Route{}, err
	}
	return l.Next.Route(ctx, a, b)
}

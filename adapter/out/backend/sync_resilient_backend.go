package backend

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"fitsync_client/core/domain"
	"fitsync_client/core/port/out"
	"fitsync_client/pkg/apperr"
	"fitsync_client/pkg/logger"
)

// ResilientBackend wraps a backend with a circuit breaker so a dying backend
// fails fast instead of burning every entry's retry budget on timeouts. An
// open circuit surfaces as UNAVAILABLE, which the retry policy treats as
// transient.
type ResilientBackend struct {
	inner out.BackendPort
	cb    *gobreaker.CircuitBreaker
	log   *logger.Logger
}

// Interface compliance check
var _ out.BackendPort = (*ResilientBackend)(nil)

func NewResilientBackend(inner out.BackendPort) *ResilientBackend {
	log := logger.WithField("component", "resilient_backend")

	settings := gobreaker.Settings{
		Name:        inner.Name() + "-backend",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("[ResilientBackend] circuit %s: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Permanent rejections are the entry's fault, not the backend's.
			return err == nil || apperr.IsPermanent(err)
		},
	}

	return &ResilientBackend{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker(settings),
		log:   log,
	}
}

func (b *ResilientBackend) Name() string {
	return b.inner.Name()
}

func (b *ResilientBackend) Create(ctx context.Context, tableName string, record *domain.Record) (string, error) {
	id, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Create(ctx, tableName, record)
	})
	if err != nil {
		return "", b.translate(err)
	}
	return id.(string), nil
}

func (b *ResilientBackend) Update(ctx context.Context, tableName, recordID string, payload map[string]interface{}) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.inner.Update(ctx, tableName, recordID, payload)
	})
	return b.translate(err)
}

func (b *ResilientBackend) Delete(ctx context.Context, tableName, recordID string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.inner.Delete(ctx, tableName, recordID)
	})
	return b.translate(err)
}

// Subscribe passes through: the feed has its own reconnect behavior and must
// not be severed by CRUD failures tripping the breaker.
func (b *ResilientBackend) Subscribe(ctx context.Context, tableName, ownerID string) (out.ChangeFeed, error) {
	return b.inner.Subscribe(ctx, tableName, ownerID)
}

func (b *ResilientBackend) translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperr.Unavailable(b.inner.Name(), err)
	}
	return err
}

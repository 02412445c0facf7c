package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Checker-Finance/sugar-adapter/internal/metrics"
	"github.com/Checker-Finance/sugar-adapter/internal/store"
	"github.com/Checker-Finance/sugar-adapter/internal/sugar"
	"github.com/Checker-Finance/sugar-adapter/pkg/model"
)

// CRM is the part of *sugar.Client the service drives.
type CRM interface {
	Login(ctx context.Context, creds sugar.Credentials) error
	Me(ctx context.Context) (sugar.Value, error)
	Search(ctx context.Context, query string, opts sugar.SearchOptions) (sugar.Value, error)
	SearchUsers(ctx context.Context, query string, opts sugar.SearchOptions) (sugar.Value, error)
	SearchModule(ctx context.Context, module, query string, opts sugar.ModuleSearchOptions) (sugar.Value, error)
	CreateRecord(ctx context.Context, module string, record any) (sugar.Value, error)
	RetrieveRecord(ctx context.Context, module, id string) (sugar.Value, error)
	UpdateRecord(ctx context.Context, module, id string, data any) (sugar.Value, error)
	DeleteRecord(ctx context.Context, module, id string) (sugar.Value, error)
	SetFavorite(ctx context.Context, module, id string) (sugar.Value, error)
	UnsetFavorite(ctx context.Context, module, id string) (sugar.Value, error)
	LogMessage(ctx context.Context, message, level string) error
}

// Authenticator supplies the CRM login.
type Authenticator interface {
	Credentials(ctx context.Context) (sugar.Credentials, error)
	Invalidate()
}

// EventPublisher emits record mutation events.
type EventPublisher interface {
	PublishRecordEvent(ctx context.Context, eventType, module, recordID string, correlationID uuid.UUID, payload json.RawMessage) error
}

// Service exposes CRM operations to the HTTP layer. Record reads go through
// an optional cache, mutations invalidate it and emit events, and a session
// that can no longer be refreshed is replaced by a fresh login.
type Service struct {
	logger *zap.Logger
	crm    CRM
	auth   Authenticator
	cache  store.RecordCache // nil disables caching
	events EventPublisher    // nil disables events

	loginMu    sync.Mutex
	loginGen   uint64
	loginGenMu sync.RWMutex
}

// NewService wires a Service. cache and events may be nil.
func NewService(logger *zap.Logger, crm CRM, auth Authenticator, cache store.RecordCache, events EventPublisher) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		logger: logger,
		crm:    crm,
		auth:   auth,
		cache:  cache,
		events: events,
	}
}

type correlationKey struct{}

// WithCorrelationID attaches the id carried into published events.
func WithCorrelationID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(correlationKey{}).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

// Login performs a password-grant login with freshly resolved credentials.
func (s *Service) Login(ctx context.Context) error {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()
	return s.loginLocked(ctx)
}

func (s *Service) loginLocked(ctx context.Context) error {
	creds, err := s.auth.Credentials(ctx)
	if err != nil {
		return err
	}
	if err := s.crm.Login(ctx, creds); err != nil {
		var apiErr *sugar.APIError
		if errors.As(err, &apiErr) {
			// the cached secret may be stale after a password rotation
			s.auth.Invalidate()
		}
		return err
	}

	s.loginGenMu.Lock()
	s.loginGen++
	s.loginGenMu.Unlock()
	return nil
}

func (s *Service) generation() uint64 {
	s.loginGenMu.RLock()
	defer s.loginGenMu.RUnlock()
	return s.loginGen
}

// needsLogin reports errors that only a new password grant can clear.
func needsLogin(err error) bool {
	return sugar.IsSessionExpired(err) || errors.Is(err, sugar.ErrAuthenticationRequired)
}

// withSession runs op and, if the session is gone, logs in again and runs it
// once more. Concurrent callers share one login.
func withSession[T any](ctx context.Context, s *Service, op func(context.Context) (T, error)) (T, error) {
	gen := s.generation()
	out, err := op(ctx)
	if err == nil || !needsLogin(err) {
		return out, err
	}

	s.logger.Warn("records.session_lost", zap.Error(err))
	if lerr := s.relogin(ctx, gen); lerr != nil {
		var zero T
		return zero, fmt.Errorf("re-login after %v: %w", err, lerr)
	}
	return op(ctx)
}

func (s *Service) relogin(ctx context.Context, seen uint64) error {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()
	if s.generation() != seen {
		return nil
	}
	if err := s.loginLocked(ctx); err != nil {
		s.logger.Error("records.relogin_failed", zap.Error(err))
		metrics.IncError("records", "relogin_failed")
		return err
	}
	s.logger.Info("records.relogin_success")
	return nil
}

// Me returns the current CRM user.
func (s *Service) Me(ctx context.Context) (sugar.Value, error) {
	return withSession(ctx, s, s.crm.Me)
}

// Search performs a global search.
func (s *Service) Search(ctx context.Context, query string, opts sugar.SearchOptions) (sugar.Value, error) {
	return withSession(ctx, s, func(ctx context.Context) (sugar.Value, error) {
		return s.crm.Search(ctx, query, opts)
	})
}

// SearchUsers searches the Users module.
func (s *Service) SearchUsers(ctx context.Context, query string, opts sugar.SearchOptions) (sugar.Value, error) {
	return withSession(ctx, s, func(ctx context.Context) (sugar.Value, error) {
		return s.crm.SearchUsers(ctx, query, opts)
	})
}

// SearchModule searches one module.
func (s *Service) SearchModule(ctx context.Context, module, query string, opts sugar.ModuleSearchOptions) (sugar.Value, error) {
	return withSession(ctx, s, func(ctx context.Context) (sugar.Value, error) {
		return s.crm.SearchModule(ctx, module, query, opts)
	})
}

// Get returns one record, from the cache when present.
func (s *Service) Get(ctx context.Context, module, id string) (sugar.Value, error) {
	if v, ok := s.cached(ctx, module, id); ok {
		return v, nil
	}

	v, err := withSession(ctx, s, func(ctx context.Context) (sugar.Value, error) {
		return s.crm.RetrieveRecord(ctx, module, id)
	})
	if err != nil {
		return sugar.Value{}, err
	}
	s.remember(ctx, module, id, v)
	return v, nil
}

// Create creates a record and announces it.
func (s *Service) Create(ctx context.Context, module string, record any) (sugar.Value, error) {
	v, err := withSession(ctx, s, func(ctx context.Context) (sugar.Value, error) {
		return s.crm.CreateRecord(ctx, module, record)
	})
	if err != nil {
		return sugar.Value{}, err
	}
	id, _ := v.Lookup("id").Text()
	s.publish(ctx, model.EventRecordCreated, module, id, v)
	return v, nil
}

// Update changes a record, drops it from the cache and announces it.
func (s *Service) Update(ctx context.Context, module, id string, data any) (sugar.Value, error) {
	v, err := withSession(ctx, s, func(ctx context.Context) (sugar.Value, error) {
		return s.crm.UpdateRecord(ctx, module, id, data)
	})
	if err != nil {
		return sugar.Value{}, err
	}
	s.forget(ctx, module, id)
	s.publish(ctx, model.EventRecordUpdated, module, id, v)
	return v, nil
}

// Delete removes a record, drops it from the cache and announces it.
func (s *Service) Delete(ctx context.Context, module, id string) (sugar.Value, error) {
	v, err := withSession(ctx, s, func(ctx context.Context) (sugar.Value, error) {
		return s.crm.DeleteRecord(ctx, module, id)
	})
	if err != nil {
		return sugar.Value{}, err
	}
	s.forget(ctx, module, id)
	s.publish(ctx, model.EventRecordDeleted, module, id, v)
	return v, nil
}

// Favorite marks a record as favorite. The cached copy carries the old flag
// and is dropped.
func (s *Service) Favorite(ctx context.Context, module, id string) (sugar.Value, error) {
	v, err := withSession(ctx, s, func(ctx context.Context) (sugar.Value, error) {
		return s.crm.SetFavorite(ctx, module, id)
	})
	if err == nil {
		s.forget(ctx, module, id)
	}
	return v, err
}

// Unfavorite removes the favorite mark.
func (s *Service) Unfavorite(ctx context.Context, module, id string) (sugar.Value, error) {
	v, err := withSession(ctx, s, func(ctx context.Context) (sugar.Value, error) {
		return s.crm.UnsetFavorite(ctx, module, id)
	})
	if err == nil {
		s.forget(ctx, module, id)
	}
	return v, err
}

// Log writes a message to the CRM log.
func (s *Service) Log(ctx context.Context, message, level string) error {
	_, err := withSession(ctx, s, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.crm.LogMessage(ctx, message, level)
	})
	return err
}

// --- cache helpers: cache failures degrade to CRM reads ---

func (s *Service) cached(ctx context.Context, module, id string) (sugar.Value, bool) {
	if s.cache == nil {
		return sugar.Value{}, false
	}
	raw, err := s.cache.GetRecord(ctx, module, id)
	if err != nil {
		s.logger.Warn("records.cache_read_failed", zap.String("module", module), zap.Error(err))
		metrics.IncRecordCache(module, "error")
		return sugar.Value{}, false
	}
	if raw == nil {
		metrics.IncRecordCache(module, "miss")
		return sugar.Value{}, false
	}
	v, err := sugar.ParseValue(raw)
	if err != nil {
		s.logger.Warn("records.cache_corrupt", zap.String("module", module), zap.String("id", id), zap.Error(err))
		metrics.IncRecordCache(module, "error")
		s.forget(ctx, module, id)
		return sugar.Value{}, false
	}
	metrics.IncRecordCache(module, "hit")
	return v, true
}

func (s *Service) remember(ctx context.Context, module, id string, v sugar.Value) {
	if s.cache == nil {
		return
	}
	raw, err := v.MarshalJSON()
	if err != nil {
		return
	}
	if err := s.cache.PutRecord(ctx, module, id, raw); err != nil {
		metrics.IncRecordCache(module, "error")
	}
}

func (s *Service) forget(ctx context.Context, module, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateRecord(ctx, module, id); err != nil {
		s.logger.Warn("records.cache_invalidate_failed",
			zap.String("module", module),
			zap.String("id", id),
			zap.Error(err))
	}
}

// publish never fails the request: the CRM change has already happened.
func (s *Service) publish(ctx context.Context, eventType, module, id string, v sugar.Value) {
	if s.events == nil {
		return
	}
	payload, err := v.MarshalJSON()
	if err != nil {
		return
	}
	if err := s.events.PublishRecordEvent(ctx, eventType, module, id, correlationID(ctx), payload); err != nil {
		s.logger.Warn("records.publish_failed",
			zap.String("event_type", eventType),
			zap.String("module", module),
			zap.String("id", id),
			zap.Error(err))
	}
}

package service

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/ozone-quota/internal/catalogsync"
)

// Registry описывает внешний реестр, из которого подтягивается каталог хладагентов.
type Registry interface {
	FetchRefrigerants(ctx context.Context) ([]catalogsync.Record, int, time.Duration, error)
}

// RunCatalogSync периодически переносит записи реестра в каталог.
// Блокирует до отмены ctx. Без настроенного реестра возвращается сразу.
func (s *Service) RunCatalogSync(ctx context.Context, interval time.Duration) {
	if s.registry == nil {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if wait := s.syncCatalog(ctx); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// syncCatalog выполняет один проход синхронизации и возвращает паузу,
// запрошенную реестром через Retry-After.
func (s *Service) syncCatalog(ctx context.Context) time.Duration {
	records, statusCode, retryAfter, err := s.registry.FetchRefrigerants(ctx)
	if err != nil {
		s.logger.Warn("catalog registry fetch failed", zap.Int("status", statusCode), zap.Error(err))
		return 0
	}

	if statusCode == http.StatusTooManyRequests {
		s.logger.Info("catalog registry rate limited", zap.Duration("retry_after", retryAfter))
		return retryAfter
	}

	var updated, invalid int
	for _, rec := range records {
		r := rec.Refrigerant()
		if err := validateRefrigerant(r); err != nil {
			invalid++
			s.logger.Warn("skipping registry record", zap.String("code", r.Code), zap.Error(err))
			continue
		}
		if err := s.repo.UpsertRefrigerant(ctx, r); err != nil {
			s.logger.Error("catalog upsert failed", zap.String("code", r.Code), zap.Error(err))
			return 0
		}
		updated++
	}

	s.logger.Debug("catalog synced", zap.Int("updated", updated), zap.Int("invalid", invalid))
	return 0
}

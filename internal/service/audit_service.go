package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/136906/velvenode/internal/model"
	"github.com/136906/velvenode/internal/repository"
)

type AuditService struct {
	auditRepo repository.AuditRepository
	logger    *zap.Logger
}

func NewAuditService(auditRepo repository.AuditRepository, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AuditService{
		auditRepo: auditRepo,
		logger:    logger,
	}
}

func (s *AuditService) List(ctx context.Context, filter repository.AuditListFilter) ([]*model.AuditLog, int64, error) {
	return s.auditRepo.List(ctx, filter)
}

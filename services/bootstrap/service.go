package bootstrap

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"loyalty-controlplane/pkg/config"
	"loyalty-controlplane/services/enrollment"
	"loyalty-controlplane/services/ledger"
	"loyalty-controlplane/services/membership"
	"loyalty-controlplane/services/program"
)

// Service brings the schema up before the worker starts taking tasks.
type Service struct {
	db     *gorm.DB
	config *config.Config
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		config: p.Config,
	}
}

// Migrate creates or updates the loyalty tables. AutoMigrate only adds
// missing columns and indexes, so running it on every start is safe.
func (s *Service) Migrate() error {
	err := s.db.AutoMigrate(
		&ledger.LedgerEntry{},
		&membership.CustomerMembership{},
		&enrollment.Enrollment{},
		&program.LoyaltyProgram{},
	)
	if err != nil {
		zap.L().Error("[bootstrap] schema migration failed", zap.Error(err))
		return err
	}

	zap.L().Info("[bootstrap] schema ready")
	return nil
}

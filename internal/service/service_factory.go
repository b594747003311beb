package service

import (
	"sync"

	"go.uber.org/zap"

	"security-engine/internal/util"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	deps   Dependencies
	cfg    Config
	logger *zap.Logger

	once     sync.Once
	security *SecurityService
	err      error
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(deps Dependencies, cfg Config, logger *zap.Logger) *ServiceFactory {
	return &ServiceFactory{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
	}
}

// SecurityService returns the security service instance (singleton)
func (f *ServiceFactory) SecurityService() (*SecurityService, error) {
	f.once.Do(func() {
		f.security, f.err = NewSecurityService(f.deps, f.cfg, f.logger)
	})
	return f.security, f.err
}

// Cleanup flushes and closes the event log
func (f *ServiceFactory) Cleanup() {
	if f.deps.EventLog == nil {
		return
	}
	if err := f.deps.EventLog.Close(); err != nil {
		util.Error("Failed to close event log", util.ErrorField(err))
	}
}

// Package service implements the delegation orchestrator: it drives the
// tool-use conversation with the upstream model, grows the trace tree, and
// keeps the cost, budget and authorization rules honest.
package service

import (
	"go.uber.org/zap"

	"github.com/delegatehq/orchestrator/internal/adapter/llm"
	"github.com/delegatehq/orchestrator/internal/authz"
	"github.com/delegatehq/orchestrator/internal/budget"
	"github.com/delegatehq/orchestrator/internal/config"
	"github.com/delegatehq/orchestrator/internal/limits"
	"github.com/delegatehq/orchestrator/internal/metrics"
	"github.com/delegatehq/orchestrator/internal/pricing"
	"github.com/delegatehq/orchestrator/internal/redact"
	store "github.com/delegatehq/orchestrator/internal/repository"
)

type Service struct {
	store    store.Store
	llm      llm.Client
	pricing  *pricing.Table
	budget   *budget.Engine
	scoper   *authz.Scoper
	limiter  *limits.Limiter
	governor *limits.Governor
	redactor *redact.Redactor
	metrics  *metrics.Metrics
	config   *config.Config
	log      *zap.Logger
}

func New(st store.Store, llmClient llm.Client, table *pricing.Table, budgetEngine *budget.Engine,
	scoper *authz.Scoper, limiter *limits.Limiter, governor *limits.Governor,
	redactor *redact.Redactor, m *metrics.Metrics, cfg *config.Config, log *zap.Logger) *Service {
	return &Service{
		store:    st,
		llm:      llmClient,
		pricing:  table,
		budget:   budgetEngine,
		scoper:   scoper,
		limiter:  limiter,
		governor: governor,
		redactor: redactor,
		metrics:  m,
		config:   cfg,
		log:      log,
	}
}

// Config exposes the loaded configuration for transport-level limits.
func (s *Service) Config() *config.Config { return s.config }

// Limiter exposes the rate limiter for transport-level checks.
func (s *Service) Limiter() *limits.Limiter { return s.limiter }

// Governor exposes the stream slot governor for transport-level checks.
func (s *Service) Governor() *limits.Governor { return s.governor }

// Redactor exposes the redaction pipeline for transport-level output.
func (s *Service) Redactor() *redact.Redactor { return s.redactor }

// Metrics exposes the instruments for transport-level counters.
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

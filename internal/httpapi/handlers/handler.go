package handlers

import (
	"ordercall/internal/agent"
	"ordercall/internal/campaign"
	"ordercall/internal/config"
	"ordercall/internal/convo"
	"ordercall/internal/store/rabbitmq"
)

type Handler struct {
	Cfg      config.Config
	AgentSvc *agent.Service
	Orch     *campaign.Orchestrator
	Jobs     *campaign.JobStore
	Store    *convo.Store
	// Rabbit is nil when the async campaign path is disabled.
	Rabbit *rabbitmq.Publisher
}

func NewHandler(cfg config.Config, agentSvc *agent.Service, orch *campaign.Orchestrator, jobs *campaign.JobStore, store *convo.Store, rabbit *rabbitmq.Publisher) *Handler {
	return &Handler{
		Cfg:      cfg,
		AgentSvc: agentSvc,
		Orch:     orch,
		Jobs:     jobs,
		Store:    store,
		Rabbit:   rabbit,
	}
}

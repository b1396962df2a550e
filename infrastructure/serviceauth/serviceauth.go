// Package serviceauth carries caller identity (service id, user/agent id, access
// tier) through a request's context.Context so that handlers and httputil helpers
// down the call chain don't need the *http.Request.
package serviceauth

import "context"

const (
	ServiceIDHeader = "X-Service-ID"
	UserIDHeader    = "X-Agent-ID"
	TierHeader      = "X-Access-Tier"
)

type contextKey int

const (
	serviceIDKey contextKey = iota
	userIDKey
	tierKey
	agentScopeKey
	partnerAccessKey
)

func WithServiceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, serviceIDKey, id)
}

func GetServiceID(ctx context.Context) string {
	id, _ := ctx.Value(serviceIDKey).(string)
	return id
}

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func GetUserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

func WithTier(ctx context.Context, tier string) context.Context {
	return context.WithValue(ctx, tierKey, tier)
}

func GetTier(ctx context.Context) string {
	tier, _ := ctx.Value(tierKey).(string)
	return tier
}

// WithAgentScope carries a partner-tier token's agent_scope claim: the set of
// agent_id_hash values the caller owns (§6 partner ACL).
func WithAgentScope(ctx context.Context, agents []string) context.Context {
	return context.WithValue(ctx, agentScopeKey, agents)
}

func GetAgentScope(ctx context.Context) []string {
	agents, _ := ctx.Value(agentScopeKey).([]string)
	return agents
}

// WithPartnerAccess carries a partner-tier token's partner_access claim: the
// set of partner_id values the caller is entitled to (§6 partner ACL).
func WithPartnerAccess(ctx context.Context, partners []string) context.Context {
	return context.WithValue(ctx, partnerAccessKey, partners)
}

func GetPartnerAccess(ctx context.Context) []string {
	partners, _ := ctx.Value(partnerAccessKey).([]string)
	return partners
}

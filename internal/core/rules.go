package core

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const ruleSetColumns = `tenant_key, agent_key, max_daily_messages, min_delay_seconds,
	max_delay_seconds, pause_after_count, pause_duration_minutes,
	send_hour_start, send_hour_end, cloud_api_delay_ms, enabled, updated_at`

func scanRuleSet(row pgx.Row) (*RuleSet, error) {
	var rs RuleSet
	err := row.Scan(&rs.TenantKey, &rs.AgentKey, &rs.MaxDailyMessages, &rs.MinDelaySeconds,
		&rs.MaxDelaySeconds, &rs.PauseAfterCount, &rs.PauseDurationMinutes,
		&rs.SendHourStart, &rs.SendHourEnd, &rs.CloudAPIDelayMs, &rs.Enabled, &rs.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

// GetOrCreateRules returns the rule set for a (tenant, agent) pair,
// materializing column defaults on first access. The insert is a no-op
// when the row exists, so concurrent first calls cannot duplicate it.
func (s *Store) GetOrCreateRules(ctx context.Context, tenantKey, agentKey string) (*RuleSet, error) {
	return getOrCreateRules(ctx, s.DB, tenantKey, agentKey)
}

func getOrCreateRules(ctx context.Context, q querier, tenantKey, agentKey string) (*RuleSet, error) {
	_, err := q.Exec(ctx, `
		INSERT INTO rule_sets(tenant_key, agent_key) VALUES($1,$2)
		ON CONFLICT (tenant_key, agent_key) DO NOTHING
	`, tenantKey, agentKey)
	if err != nil {
		return nil, fmt.Errorf("rules upsert: %w", err)
	}
	return scanRuleSet(q.QueryRow(ctx,
		`SELECT `+ruleSetColumns+` FROM rule_sets WHERE tenant_key=$1 AND agent_key=$2`,
		tenantKey, agentKey))
}

// UpdateRules applies only the fields present in the patch and returns
// the resulting rule set. Numeric bounds are advisory at this layer.
func (s *Store) UpdateRules(ctx context.Context, tenantKey, agentKey string, p RuleSetPatch) (*RuleSet, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := getOrCreateRules(ctx, tx, tenantKey, agentKey); err != nil {
		return nil, err
	}

	set := ""
	args := []any{tenantKey, agentKey}
	add := func(col string, v any) {
		args = append(args, v)
		set += fmt.Sprintf(", %s=$%d", col, len(args))
	}
	if p.MaxDailyMessages != nil {
		add("max_daily_messages", *p.MaxDailyMessages)
	}
	if p.MinDelaySeconds != nil {
		add("min_delay_seconds", *p.MinDelaySeconds)
	}
	if p.MaxDelaySeconds != nil {
		add("max_delay_seconds", *p.MaxDelaySeconds)
	}
	if p.PauseAfterCount != nil {
		add("pause_after_count", *p.PauseAfterCount)
	}
	if p.PauseDurationMinutes != nil {
		add("pause_duration_minutes", *p.PauseDurationMinutes)
	}
	if p.SendHourStart != nil {
		add("send_hour_start", *p.SendHourStart)
	}
	if p.SendHourEnd != nil {
		add("send_hour_end", *p.SendHourEnd)
	}
	if p.CloudAPIDelayMs != nil {
		add("cloud_api_delay_ms", *p.CloudAPIDelayMs)
	}
	if p.Enabled != nil {
		add("enabled", *p.Enabled)
	}

	rs, err := scanRuleSet(tx.QueryRow(ctx, `
		UPDATE rule_sets SET updated_at=now()`+set+`
		WHERE tenant_key=$1 AND agent_key=$2
		RETURNING `+ruleSetColumns, args...))
	if err != nil {
		return nil, err
	}
	return rs, tx.Commit(ctx)
}

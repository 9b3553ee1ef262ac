package services

import (
	"context"
	"errors"
	"time"

	"promptgate/internal/entitlement"
	"promptgate/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Service 同时实现客户端使用的记录仓库接口
var _ entitlement.Repository = (*Service)(nil)

const (
	subscriptionColumns = `user_id, plan_tier, status, current_period_start, current_period_end,
		stripe_customer_id, stripe_subscription_id, updated_at`
	usageColumns = `user_id, prompts_used, prompts_limit, reset_date, updated_at`
)

func scanSubscription(row pgx.Row) (models.Subscription, error) {
	var sub models.Subscription
	var id uuid.UUID
	err := row.Scan(&id, &sub.PlanTier, &sub.Status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.StripeCustomerID, &sub.StripeSubscriptionID, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscription{}, entitlement.ErrRecordNotFound
	}
	if err != nil {
		return models.Subscription{}, err
	}
	sub.UserID = models.Identity(id.String())
	return sub, nil
}

func scanUsage(row pgx.Row) (models.Usage, error) {
	var u models.Usage
	var id uuid.UUID
	err := row.Scan(&id, &u.PromptsUsed, &u.PromptsLimit, &u.ResetDate, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Usage{}, entitlement.ErrRecordNotFound
	}
	if err != nil {
		return models.Usage{}, err
	}
	u.UserID = models.Identity(id.String())
	return u, nil
}

// EnsureRecordsExist 为用户补齐订阅和用量记录，可重复调用
func (s *Service) EnsureRecordsExist(ctx context.Context, id models.Identity) (entitlement.EnsureResult, error) {
	uid, err := parseIdentity(id)
	if err != nil {
		return entitlement.EnsureResult{}, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return entitlement.EnsureResult{}, err
	}
	defer tx.Rollback(ctx)

	res := entitlement.EnsureResult{Success: true}
	ct, err := tx.Exec(ctx, `
		INSERT INTO subscriptions (user_id, plan_tier, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING`,
		uid, models.PlanFree, models.SubscriptionActive)
	if err != nil {
		if isForeignKeyViolation(err) {
			return entitlement.EnsureResult{}, ErrNotFound
		}
		return entitlement.EnsureResult{}, err
	}
	res.SubscriptionCreated = ct.RowsAffected() > 0

	ct, err = tx.Exec(ctx, `
		INSERT INTO usage (user_id, prompts_used, prompts_limit, reset_date)
		VALUES ($1, 0, $2, $3)
		ON CONFLICT (user_id) DO NOTHING`,
		uid, s.config.FreePromptLimit, s.now().Add(s.config.UsageResetInterval()))
	if err != nil {
		return entitlement.EnsureResult{}, err
	}
	res.UsageCreated = ct.RowsAffected() > 0

	if err := tx.Commit(ctx); err != nil {
		return entitlement.EnsureResult{}, err
	}
	return res, nil
}

func (s *Service) GetSubscription(ctx context.Context, id models.Identity) (models.Subscription, error) {
	uid, err := parseIdentity(id)
	if err != nil {
		return models.Subscription{}, err
	}
	return scanSubscription(s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, uid))
}

func (s *Service) GetUsage(ctx context.Context, id models.Identity) (models.Usage, error) {
	uid, err := parseIdentity(id)
	if err != nil {
		return models.Usage{}, err
	}
	return scanUsage(s.pool.QueryRow(ctx, `SELECT `+usageColumns+` FROM usage WHERE user_id = $1`, uid))
}

// CanPerformAction 服务端权威判断，到期的免费额度视为已重置，不写库
func (s *Service) CanPerformAction(ctx context.Context, id models.Identity) (bool, error) {
	sub, err := s.GetSubscription(ctx, id)
	if err != nil {
		return false, err
	}
	usage, err := s.GetUsage(ctx, id)
	if err != nil {
		return false, err
	}
	if entitlement.ResetDue(sub, usage, s.now()) {
		usage.PromptsUsed = 0
	}
	return entitlement.Evaluate(sub, usage).Allowed, nil
}

// IncrementUsage 原子地消耗一次额度
// 行锁保证并发请求不会超出上限，额度不足时返回 false
func (s *Service) IncrementUsage(ctx context.Context, id models.Identity) (bool, error) {
	uid, err := parseIdentity(id)
	if err != nil {
		return false, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	sub, err := scanSubscription(tx.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, uid))
	if err != nil {
		return false, err
	}
	usage, err := scanUsage(tx.QueryRow(ctx, `SELECT `+usageColumns+` FROM usage WHERE user_id = $1 FOR UPDATE`, uid))
	if err != nil {
		return false, err
	}

	now := s.now()
	if entitlement.ResetDue(sub, usage, now) {
		usage.PromptsUsed = 0
		usage.ResetDate = now.Add(s.config.UsageResetInterval())
		if _, err := tx.Exec(ctx, `
			UPDATE usage SET prompts_used = 0, reset_date = $1, updated_at = NOW()
			WHERE user_id = $2`, usage.ResetDate, uid); err != nil {
			return false, err
		}
	}

	if !entitlement.Evaluate(sub, usage).Allowed {
		return false, tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE usage SET prompts_used = prompts_used + 1, updated_at = NOW()
		WHERE user_id = $1`, uid); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ResetUsage 重置到期的免费额度
// 条件更新保证并发的重复重置只生效一次；next 不能超过一个重置周期
func (s *Service) ResetUsage(ctx context.Context, id models.Identity, next time.Time) (models.Usage, error) {
	uid, err := parseIdentity(id)
	if err != nil {
		return models.Usage{}, err
	}
	now := s.now()
	limit := now.Add(s.config.UsageResetInterval())
	if next.IsZero() || next.After(limit) || !next.After(now) {
		next = limit
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE usage u
		SET prompts_used = 0, reset_date = $1, updated_at = NOW()
		FROM subscriptions sub
		WHERE u.user_id = $2
			AND sub.user_id = u.user_id
			AND sub.plan_tier = $3
			AND u.reset_date <= $4`,
		next, uid, models.PlanFree, now)
	if err != nil {
		return models.Usage{}, err
	}
	return s.GetUsage(ctx, id)
}

package client

import (
	"context"
	"errors"
	"net/http"
	"time"

	"promptgate/internal/entitlement"
	"promptgate/internal/models"
	"promptgate/internal/settlement"
)

type identityBody struct {
	UserID models.Identity `json:"user_id"`
}

// recordError maps a missing row to entitlement.ErrRecordNotFound.
func recordError(err error) error {
	if status, reason := reasonOf(err); status == http.StatusNotFound && reason == "record_not_found" {
		return errors.Join(entitlement.ErrRecordNotFound, err)
	}
	return err
}

func (c *Client) EnsureRecordsExist(ctx context.Context, id models.Identity) (entitlement.EnsureResult, error) {
	var res entitlement.EnsureResult
	err := c.do(ctx, http.MethodPost, "/api/rpc/ensure_records_exist", identityBody{UserID: id}, &res)
	return res, err
}

func (c *Client) GetSubscription(ctx context.Context, id models.Identity) (models.Subscription, error) {
	var sub models.Subscription
	if err := c.do(ctx, http.MethodGet, "/api/subscription", nil, &sub); err != nil {
		return models.Subscription{}, recordError(err)
	}
	return sub, nil
}

func (c *Client) GetUsage(ctx context.Context, id models.Identity) (models.Usage, error) {
	var u models.Usage
	if err := c.do(ctx, http.MethodGet, "/api/usage", nil, &u); err != nil {
		return models.Usage{}, recordError(err)
	}
	return u, nil
}

func (c *Client) CanPerformAction(ctx context.Context, id models.Identity) (bool, error) {
	var resp struct {
		Allowed bool `json:"allowed"`
	}
	err := c.do(ctx, http.MethodPost, "/api/rpc/can_perform_action", identityBody{UserID: id}, &resp)
	return resp.Allowed, err
}

func (c *Client) IncrementUsage(ctx context.Context, id models.Identity) (bool, error) {
	var resp struct {
		Incremented bool `json:"incremented"`
	}
	err := c.do(ctx, http.MethodPost, "/api/rpc/increment_usage", identityBody{UserID: id}, &resp)
	return resp.Incremented, err
}

func (c *Client) ResetUsage(ctx context.Context, id models.Identity, next time.Time) (models.Usage, error) {
	var u models.Usage
	body := struct {
		UserID        models.Identity `json:"user_id"`
		NextResetDate time.Time       `json:"next_reset_date"`
	}{UserID: id, NextResetDate: next}
	if err := c.do(ctx, http.MethodPost, "/api/rpc/reset_usage", body, &u); err != nil {
		return models.Usage{}, recordError(err)
	}
	return u, nil
}

func (c *Client) CreateCheckoutSession(ctx context.Context, req settlement.CheckoutRequest) (settlement.CheckoutSession, error) {
	var sess settlement.CheckoutSession
	if err := c.do(ctx, http.MethodPost, "/api/checkout", req, &sess); err != nil {
		return settlement.CheckoutSession{}, err
	}
	return sess, nil
}

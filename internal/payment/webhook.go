package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/bundle-checkout/internal/common"
	"github.com/noah-isme/bundle-checkout/internal/obs"
)

// NotificationVerifier authenticates a callback body. *Cryptomus implements it.
type NotificationVerifier interface {
	VerifyNotification(body []byte, headerSign string) (Notification, error)
}

// NotificationApplier reconciles an authenticated notification. Reconciler implements it.
type NotificationApplier interface {
	Apply(ctx context.Context, n Notification) (Result, error)
}

// AuditLog stores every authenticated callback. PGStore implements it.
type AuditLog interface {
	Record(ctx context.Context, n Notification) (pgtype.UUID, error)
	MarkProcessed(ctx context.Context, id pgtype.UUID) error
}

// Webhook handles Cryptomus payment callbacks.
type Webhook struct {
	Verifier   NotificationVerifier
	Reconciler NotificationApplier
	Audit      AuditLog
	Replay     *redis.Client
	ReplayTTL  time.Duration
	AllowedIPs []string
	MaxBytes   int64
	Logger     zerolog.Logger
}

// Handle verifies, deduplicates, audits and reconciles one callback.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Verifier == nil || h.Reconciler == nil {
		h.count("unconfigured")
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	ctx := r.Context()
	logger := h.Logger.With().Str("provider", ProviderCryptomus).Logger()

	if ip := common.ClientIP(r); !h.ipAllowed(ip) {
		h.count("forbidden")
		logger.Warn().Str("ip", ip).Msg("webhook_ip_rejected")
		common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "source address not allowed", nil)
		return
	}

	reader := io.Reader(r.Body)
	if h.MaxBytes > 0 {
		reader = io.LimitReader(r.Body, h.MaxBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		h.count("invalid")
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	if h.MaxBytes > 0 && int64(len(body)) > h.MaxBytes {
		h.count("invalid")
		common.JSONError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "payload too large", nil)
		return
	}

	n, err := h.Verifier.VerifyNotification(body, r.Header.Get("sign"))
	if err != nil {
		var mismatch *SignatureMismatchError
		if errors.As(err, &mismatch) {
			h.count("bad_signature")
			logger.Warn().Str("ip", common.ClientIP(r)).Str("reason", mismatch.Reason).Msg("webhook_signature_mismatch")
			common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
			return
		}
		h.count("invalid")
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", err.Error(), nil)
		return
	}
	logger = logger.With().Str("payment_uuid", n.UUID).Str("order_ref", n.OrderID).Str("provider_status", n.Status).Logger()
	obs.TagOrder(ctx, n.OrderID)

	heldKey := ""
	if h.Replay != nil && h.ReplayTTL > 0 {
		key := replayKey(body)
		fresh, err := h.Replay.SetNX(ctx, key, "1", h.ReplayTTL).Result()
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("webhook_replay_store_unavailable")
		case !fresh:
			h.count("duplicate")
			common.JSON(w, http.StatusOK, map[string]any{"success": true, "duplicate": true})
			return
		default:
			heldKey = key
		}
	}
	release := func() {
		if heldKey == "" {
			return
		}
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.Replay.Del(releaseCtx, heldKey).Err(); err != nil {
			logger.Warn().Err(err).Msg("webhook_replay_release_failed")
		}
	}

	var auditID pgtype.UUID
	if h.Audit != nil {
		auditID, err = h.Audit.Record(ctx, n)
		if err != nil {
			release()
			h.count("error")
			logger.Error().Err(err).Msg("webhook_audit_failed")
			common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_LOG_ERROR", "unable to record webhook", nil)
			return
		}
	}

	res, err := h.Reconciler.Apply(ctx, n)
	if err != nil {
		release()
		var notFound *OrderNotFoundError
		if errors.As(err, &notFound) {
			h.count("not_found")
			logger.Warn().Msg("webhook_order_not_found")
			common.JSONError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil)
			return
		}
		h.count("error")
		logger.Error().Err(err).Msg("webhook_reconcile_failed")
		common.JSONError(w, http.StatusInternalServerError, "RECONCILE_ERROR", "unable to apply webhook", nil)
		return
	}

	if h.Audit != nil && auditID.Valid {
		if err := h.Audit.MarkProcessed(ctx, auditID); err != nil {
			logger.Warn().Err(err).Msg("webhook_audit_mark_failed")
		}
	}
	switch {
	case res.Applied:
		h.count("applied")
	case res.Ignored:
		h.count("ignored")
	default:
		h.count("noop")
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"order_id": res.OrderID,
		"status":   string(res.Status),
		"applied":  res.Applied,
	})
}

func (h Webhook) ipAllowed(ip string) bool {
	if len(h.AllowedIPs) == 0 {
		return true
	}
	parsed := net.ParseIP(ip)
	for _, entry := range h.AllowedIPs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, network, err := net.ParseCIDR(entry); err == nil && parsed != nil && network.Contains(parsed) {
				return true
			}
			continue
		}
		if entry == ip {
			return true
		}
		if allowed := net.ParseIP(entry); allowed != nil && parsed != nil && allowed.Equal(parsed) {
			return true
		}
	}
	return false
}

func (h Webhook) count(result string) {
	obs.Inc(obs.PaymentWebhookTotal, ProviderCryptomus, result)
}

// replayKey identifies a delivery by the digest of its exact bytes, so a
// redelivered body is caught while a new status for the same invoice is not.
func replayKey(body []byte) string {
	sum := sha256.Sum256(body)
	return "wh:" + ProviderCryptomus + ":" + hex.EncodeToString(sum[:])
}

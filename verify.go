package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"subzz/internal/store"
)

// PaymentOutcome is the checkout result reported by the client, decoded
// from the provider's numeric status code.
type PaymentOutcome int

const (
	OutcomePending PaymentOutcome = iota
	OutcomeSuccess
	OutcomeFailure
)

func (o PaymentOutcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSuccess:
		return "success"
	default:
		return "failed"
	}
}

// Provider status codes. Failed is the only failure code the bridge sends;
// any other non-success, non-pending value is treated as failure and logged.
const (
	statusCodePending = 0
	statusCodeSuccess = 1
	statusCodeFailed  = 2
)

// decodePaymentOutcome maps response.status to an outcome. expected is false
// when the value was missing, non-numeric or an unknown code.
func decodePaymentOutcome(response json.RawMessage) (outcome PaymentOutcome, code string, expected bool) {
	var body struct {
		Status json.RawMessage `json:"status"`
	}
	if len(response) == 0 || json.Unmarshal(response, &body) != nil || len(body.Status) == 0 {
		return OutcomeFailure, "", false
	}

	code = strings.Trim(string(body.Status), `"`)
	n, err := strconv.ParseFloat(code, 64)
	if err != nil {
		return OutcomeFailure, code, false
	}
	switch n {
	case statusCodeSuccess:
		return OutcomeSuccess, code, true
	case statusCodePending:
		return OutcomePending, code, true
	case statusCodeFailed:
		return OutcomeFailure, code, true
	}
	return OutcomeFailure, code, false
}

type verifyRequest struct {
	Token    string          `json:"token"`
	Action   string          `json:"action"`
	Response json.RawMessage `json:"response,omitempty"`
}

type verifyResponse struct {
	Valid                 bool                `json:"valid"`
	UserID                string              `json:"userId"`
	CreatorID             string              `json:"creatorId"`
	FirstName             string              `json:"firstName,omitempty"`
	HasActiveSubscription bool                `json:"hasActiveSubscription"`
	Subscription          *store.Subscription `json:"subscription,omitempty"`
}

type subscribeResponse struct {
	Status            string              `json:"status"`
	AlreadySubscribed bool                `json:"alreadySubscribed,omitempty"`
	Subscription      *store.Subscription `json:"subscription,omitempty"`
	InviteLink        string              `json:"inviteLink,omitempty"`
}

// handleVerifyPaymentToken handles POST /verify-payment-token {token, action, response?}.
//
// Observed HTTP behaviors:
//   - 200: verify result, or subscribe result with status success/pending/failed.
//   - 400: malformed body or unknown action.
//   - 401: invalid or expired token.
//   - 404: creator referenced by the token does not exist.
//   - 500: storage or provisioning failure.
func (s *SubzzServer) handleVerifyPaymentToken(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	claims, err := s.tokens.Verify(req.Token)
	if err != nil {
		s.logger.Debug("Rejected payment token", zap.Error(err))
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"valid": false,
			"error": "Invalid token",
		})
		return
	}

	ctx := r.Context()
	switch req.Action {
	case "verify":
		sub, err := s.activeSubscription(r, claims.UserID, claims.CreatorID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to check subscription")
			return
		}
		writeJSON(w, http.StatusOK, verifyResponse{
			Valid:                 true,
			UserID:                claims.UserID,
			CreatorID:             claims.CreatorID,
			FirstName:             claims.FirstName,
			HasActiveSubscription: sub != nil,
			Subscription:          sub,
		})

	case "subscribe":
		outcome, code, expected := decodePaymentOutcome(req.Response)
		paymentOutcomes.WithLabelValues(outcome.String()).Inc()
		if !expected {
			s.logger.Warn("Unexpected payment status code, treating as failure",
				zap.String("status", code),
				zap.String("user_id", claims.UserID),
				zap.String("creator_id", claims.CreatorID),
			)
		}

		// Only a confirmed success has side effects.
		if outcome != OutcomeSuccess {
			writeJSON(w, http.StatusOK, subscribeResponse{Status: outcome.String()})
			return
		}

		existing, err := s.activeSubscription(r, claims.UserID, claims.CreatorID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to check subscription")
			return
		}
		if existing != nil {
			subscriptionsProvisioned.WithLabelValues("existing").Inc()
			writeJSON(w, http.StatusOK, subscribeResponse{
				Status:            outcome.String(),
				AlreadySubscribed: true,
				Subscription:      existing,
				InviteLink:        existing.InviteLink,
			})
			return
		}

		result, err := s.provisioner.Provision(ctx, claims.UserID, claims.CreatorID)
		if err != nil {
			subscriptionsProvisioned.WithLabelValues("error").Inc()
			if errors.Is(err, store.ErrCreatorNotFound) {
				// The creator may still be priced from the cache.
				s.priceCache.Invalidate(claims.CreatorID)
				writeError(w, http.StatusNotFound, "Creator not found")
				return
			}
			s.logger.Error("Failed to provision subscription",
				zap.String("user_id", claims.UserID),
				zap.String("creator_id", claims.CreatorID),
				zap.Error(err),
			)
			writeError(w, http.StatusInternalServerError, "Failed to provision subscription")
			return
		}
		if result.Existing {
			subscriptionsProvisioned.WithLabelValues("existing").Inc()
		} else {
			subscriptionsProvisioned.WithLabelValues("created").Inc()
		}
		writeJSON(w, http.StatusOK, subscribeResponse{
			Status:            outcome.String(),
			AlreadySubscribed: result.Existing,
			Subscription:      result.Subscription,
			InviteLink:        result.InviteLink,
		})

	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid action %q", req.Action))
	}
}

// activeSubscription returns the live subscription for the pair, or nil.
func (s *SubzzServer) activeSubscription(r *http.Request, userID, creatorID string) (*store.Subscription, error) {
	sub, err := s.store.ActiveSubscription(r.Context(), userID, creatorID)
	if errors.Is(err, store.ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("Failed to query subscription",
			zap.String("user_id", userID),
			zap.String("creator_id", creatorID),
			zap.Error(err),
		)
		return nil, err
	}
	return sub, nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"subzz/internal/paytoken"
	"subzz/internal/store"
)

// ErrInvalidTierPrice means the creator has no positive price configured.
var ErrInvalidTierPrice = errors.New("invalid tier price")

// maxJSONBody caps request bodies of the JSON endpoints.
const maxJSONBody = 1 << 20

type payRequest struct {
	Token string `json:"token"`
}

type payResponse struct {
	RedirectURL string `json:"redirectUrl"`
	TxRef       string `json:"txRef"`
}

// handlePay handles POST /pay {token}: resolves the creator's tier price and
// starts a hosted checkout, answering with the checkout redirect URL.
//
// Observed HTTP behaviors:
//   - 200: {redirectUrl, txRef}.
//   - 400: malformed body or creator without a positive tier price.
//   - 401: invalid or expired token.
//   - 404: creator not found.
//   - 500: checkout failed or its response had no redirect.
func (s *SubzzServer) handlePay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	claims, err := s.tokens.Verify(req.Token)
	if err != nil {
		checkoutInitiations.WithLabelValues("invalid_token").Inc()
		s.logger.Debug("Rejected payment token", zap.Error(err))
		writeError(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	ctx := r.Context()
	creator, err := s.lookupCreator(ctx, claims.CreatorID)
	if err != nil {
		if errors.Is(err, store.ErrCreatorNotFound) {
			checkoutInitiations.WithLabelValues("creator_not_found").Inc()
			writeError(w, http.StatusNotFound, "Creator not found")
			return
		}
		checkoutInitiations.WithLabelValues("error").Inc()
		s.logger.Error("Failed to load creator", zap.String("creator_id", claims.CreatorID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load creator")
		return
	}
	if creator.TierPrice <= 0 {
		checkoutInitiations.WithLabelValues("invalid_price").Inc()
		writeError(w, http.StatusBadRequest, "Invalid tier price")
		return
	}

	currency := creator.Currency
	if currency == "" {
		currency = s.config.CheckoutCurrency
	}
	txRef := "subzz-" + uuid.NewString()

	redirectURL, err := s.checkout.Initiate(ctx, CheckoutRequest{
		Amount:    creator.TierPrice,
		Currency:  currency,
		FirstName: claims.FirstName,
		TxRef:     txRef,
	})
	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrRedirectNotFound) {
			outcome = "redirect_not_found"
		} else if errors.Is(err, ErrCheckoutUnavailable) {
			outcome = "circuit_open"
		}
		checkoutInitiations.WithLabelValues(outcome).Inc()
		s.logger.Error("Checkout initiation failed",
			zap.String("tx_ref", txRef),
			zap.String("creator_id", creator.ID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	checkoutInitiations.WithLabelValues("success").Inc()
	s.logger.Info("Checkout initiated",
		zap.String("tx_ref", txRef),
		zap.String("user_id", claims.UserID),
		zap.String("creator_id", creator.ID),
		zap.Float64("amount", creator.TierPrice),
		zap.String("currency", currency),
	)
	writeJSON(w, http.StatusOK, payResponse{RedirectURL: redirectURL, TxRef: txRef})
}

// lookupCreator reads the creator through the price cache.
func (s *SubzzServer) lookupCreator(ctx context.Context, id string) (*store.Creator, error) {
	if c := s.priceCache.Get(id); c != nil {
		return c, nil
	}
	c, err := s.store.GetCreator(ctx, id)
	if err != nil {
		return nil, err
	}
	s.priceCache.Set(c)
	return c, nil
}

var _ tokenVerifier = (*paytoken.Signer)(nil)

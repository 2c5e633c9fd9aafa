package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/poic/licensing/internal/download"
	"github.com/poic/licensing/internal/ledger"
	"github.com/poic/licensing/internal/licensing"
)

type handlers struct {
	config Config
	ldb    ledger.Store
	lic    *licensing.Service
	dl     *download.Service
}

// handleCreateQuote opens a PENDING purchase for a sku and returns the
// payment instructions.
func (h *handlers) handleCreateQuote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		SKU         string `json:"sku"`
		BuyerPubkey string `json:"buyer_pubkey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "expected JSON payload", http.StatusBadRequest)
		return
	}
	if !validBuyerPubkey(req.BuyerPubkey) {
		http.Error(w, "invalid buyer_pubkey", http.StatusBadRequest)
		return
	}

	q, err := h.lic.CreateQuote(ctx, req.SKU, req.BuyerPubkey)
	if err != nil {
		if errors.Is(err, licensing.ErrInvalidSKU) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Printf("err: lic.CreateQuote: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	quoteCounter.Inc()
	writeJSON(w, map[string]any{
		"payment_id":  q.PaymentID,
		"pay_to_addr": h.config.PayToAddr,
		"amount":      q.Amount,
		"memo":        q.Memo,
		"expires_at":  q.ExpiresAt,
	})
}

// handleVerifyPayment polls the oracle for the quote's payment and reports
// the quote status.
func (h *handlers) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		PaymentID string `json:"payment_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PaymentID == "" {
		http.Error(w, "must provide payment_id", http.StatusBadRequest)
		return
	}

	status, err := h.lic.CheckPayment(ctx, req.PaymentID)
	if err != nil {
		if errors.Is(err, licensing.ErrQuoteNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		log.Printf("err: lic.CheckPayment: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if status.Status == licensing.StatusPaid {
		paidCounter.Inc()
	}
	writeJSON(w, status)
}

// handleMintLicense converts a paid quote into a signed license.
func (h *handlers) handleMintLicense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		PaymentID string `json:"payment_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PaymentID == "" {
		http.Error(w, "must provide payment_id", http.StatusBadRequest)
		return
	}

	minted, err := h.lic.Mint(ctx, req.PaymentID)
	if err != nil {
		switch {
		case errors.Is(err, licensing.ErrQuoteNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, licensing.ErrNotPaid), errors.Is(err, licensing.ErrAlreadyMinted):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			log.Printf("err: lic.Mint: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	mintCounter.Inc()
	writeJSON(w, minted)
}

// handleConsume spends one unit of a license's quota.
func (h *handlers) handleConsume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		LicenseJWT      string `json:"license_jwt"`
		NewWalletPubkey string `json:"new_wallet_pubkey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LicenseJWT == "" {
		http.Error(w, "must provide license_jwt", http.StatusBadRequest)
		return
	}

	result, err := h.lic.Consume(ctx, req.LicenseJWT, req.NewWalletPubkey)
	if err != nil {
		switch {
		case errors.Is(err, licensing.ErrInvalidSignature), errors.Is(err, licensing.ErrWrongKind):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, licensing.ErrLicenseNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, licensing.ErrLicenseExpired), errors.Is(err, licensing.ErrQuotaExhausted):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			log.Printf("err: lic.Consume: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	consumeCounter.Inc()
	writeJSON(w, result)
}

// handleDownloadExchange converts a valid license into a one-time
// download URL.
func (h *handlers) handleDownloadExchange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		LicenseJWT string `json:"license_jwt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LicenseJWT == "" {
		http.Error(w, "must provide license_jwt", http.StatusBadRequest)
		return
	}

	grant, err := h.dl.Exchange(ctx, req.LicenseJWT)
	if err != nil {
		switch {
		case errors.Is(err, download.ErrInvalidSignature):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, download.ErrLicenseNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, download.ErrDownloadsExhausted):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			log.Printf("err: dl.Exchange: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, grant)
}

// handleDownloadRedeem consumes a one-time download URL and redirects to
// the real asset location.
func (h *handlers) handleDownloadRedeem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	target, err := h.dl.Redeem(ctx, download.RedeemRequest{
		Path: r.URL.Query().Get("path"),
		Exp:  r.URL.Query().Get("exp"),
		JTI:  r.URL.Query().Get("jti"),
		Tok:  r.URL.Query().Get("tok"),
		Sig:  r.URL.Query().Get("sig"),
	})
	if err != nil {
		switch {
		case errors.Is(err, download.ErrMalformedRequest):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, download.ErrForbidden):
			http.Error(w, err.Error(), http.StatusForbidden)
		case errors.Is(err, download.ErrTokenNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, download.ErrTokenAlreadyUsed):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			log.Printf("err: dl.Redeem: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	downloadCounter.Inc()
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.ldb.Ping(r.Context()); err != nil {
		log.Printf("err: ledger ping: %v", err)
		writeJSONStatus(w, http.StatusInternalServerError, map[string]any{"ok": false})
		return
	}

	writeJSON(w, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	jsonb, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal resp: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(jsonb)
}

func validBuyerPubkey(pk string) bool {
	return len(pk) >= 32 && len(pk) <= 256
}

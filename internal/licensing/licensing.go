// Package licensing implements the payment-quote to signed-license
// lifecycle: quote creation, payment verification against the chain
// oracle, license minting and quota-bounded consumption.
package licensing

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/poic/licensing/internal/ledger"
	"github.com/poic/licensing/internal/oracle"
)

type Config struct {
	// PayToAddr is the receiving address buyers send tokens to. It is also
	// the destination of anchoring dust transfers.
	PayToAddr        string
	MinConfirmations int
	QuoteTTL         time.Duration
	AnchorAmount     int64
}

func New(store ledger.Store, orc paymentOracle, signer tokenSigner, catalog Catalog, cfg Config) (*Service, error) {
	if cfg.PayToAddr == "" {
		return nil, fmt.Errorf("must set pay_to_addr")
	}
	if cfg.QuoteTTL == 0 {
		cfg.QuoteTTL = time.Hour
	}
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = 1
	}
	if cfg.AnchorAmount == 0 {
		cfg.AnchorAmount = 1
	}

	return &Service{
		store:   store,
		oracle:  orc,
		signer:  signer,
		catalog: catalog,
		cfg:     cfg,
	}, nil
}

type Service struct {
	store   ledger.Store
	oracle  paymentOracle
	signer  tokenSigner
	catalog Catalog
	cfg     Config
}

type paymentOracle interface {
	FindPayment(ctx context.Context, memo string, minConf int) (*oracle.Payment, error)
	SendAnchor(ctx context.Context, addr string, amount int64, memo string) error
}

type tokenSigner interface {
	Sign(claims jwt.Claims) (string, error)
	Verify(token string, claims jwt.Claims) error
}

// CreateQuote opens a PENDING purchase for sku. The returned memo is what
// the buyer must attach to the on-chain transfer; it is derived from the
// buyer key, the sku and fresh randomness so collisions across outstanding
// quotes are negligible.
func (s *Service) CreateQuote(ctx context.Context, sku, buyerPubkey string) (*Quote, error) {
	opt, ok := s.catalog[sku]
	if !ok {
		return nil, ErrInvalidSKU
	}

	nonce, err := randomHex(16)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	paymentID := sha256Hex(fmt.Sprintf("%s|%s|%s", sku, buyerPubkey, nonce))
	memo := sha256Hex(fmt.Sprintf("%s|%s|%s", buyerPubkey, sku, paymentID))[:32]

	now := time.Now()
	q := Quote{
		PaymentID:   paymentID,
		SKU:         sku,
		Amount:      opt.Amount,
		Memo:        memo,
		BuyerPubkey: buyerPubkey,
		Status:      StatusPending,
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(s.cfg.QuoteTTL).Unix(),
	}

	raw, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, ledger.NSQuote+paymentID, raw); err != nil {
		return nil, fmt.Errorf("store quote: %w", err)
	}

	return &q, nil
}

type PaymentStatus struct {
	Status string `json:"status"`
	Txid   string `json:"txid,omitempty"`
}

// CheckPayment polls the oracle for the quote's memo and advances the
// quote status. Safe to call repeatedly and concurrently: only the first
// successful oracle match transitions PENDING to PAID, and a PAID quote is
// answered from the ledger without touching the oracle. An oracle timeout
// or miss yields PENDING with no state change.
func (s *Service) CheckPayment(ctx context.Context, paymentID string) (*PaymentStatus, error) {
	q, err := s.getQuote(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if q.Status == StatusPaid {
		return &PaymentStatus{Status: StatusPaid, Txid: q.Txid}, nil
	}

	now := time.Now().Unix()
	if q.Status == StatusPending && now > q.ExpiresAt {
		expired, err := s.expireQuote(ctx, paymentID, now)
		if err != nil {
			return nil, err
		}
		return &PaymentStatus{Status: expired.Status, Txid: expired.Txid}, nil
	}
	if q.Status == StatusExpired {
		return &PaymentStatus{Status: StatusExpired}, nil
	}

	p, err := s.oracle.FindPayment(ctx, q.Memo, s.cfg.MinConfirmations)
	if err != nil {
		// Inconclusive, including timeouts. Never cached as a negative.
		if !errors.Is(err, oracle.ErrNoMatch) {
			log.Printf("oracle inconclusive: payment_id=%v err=%v", paymentID, err)
		}
		return &PaymentStatus{Status: StatusPending}, nil
	}
	if p == nil || p.Amount < q.Amount || p.To != s.cfg.PayToAddr {
		return &PaymentStatus{Status: StatusPending}, nil
	}

	var out Quote
	err = s.store.Update(ctx, ledger.NSQuote+paymentID, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ledger.ErrNotFound
		}
		var rec Quote
		if err := json.Unmarshal(current, &rec); err != nil {
			return nil, err
		}
		if rec.Status == StatusPending {
			rec.Status = StatusPaid
			rec.Txid = p.Txid
		}
		out = rec
		return json.Marshal(rec)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrQuoteNotFound
		}
		return nil, fmt.Errorf("update quote: %w", err)
	}

	return &PaymentStatus{Status: out.Status, Txid: out.Txid}, nil
}

// expireQuote transitions a PENDING quote past its horizon to EXPIRED. The
// precondition is re-checked inside the update so a concurrent PAID
// transition wins.
func (s *Service) expireQuote(ctx context.Context, paymentID string, now int64) (*Quote, error) {
	var out Quote
	err := s.store.Update(ctx, ledger.NSQuote+paymentID, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ledger.ErrNotFound
		}
		var rec Quote
		if err := json.Unmarshal(current, &rec); err != nil {
			return nil, err
		}
		if rec.Status == StatusPending && now > rec.ExpiresAt {
			rec.Status = StatusExpired
		}
		out = rec
		return json.Marshal(rec)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrQuoteNotFound
		}
		return nil, fmt.Errorf("update quote: %w", err)
	}

	return &out, nil
}

type MintResult struct {
	LicenseJWT string `json:"license_jwt"`
	LicenseID  string `json:"license_id"`
	Txid       string `json:"txid"`
}

// Mint converts a PAID, not-yet-minted quote into a signed license. The
// quote's minted flag is flipped inside a single atomic ledger update, so
// at most one mint per payment succeeds even under concurrent calls.
func (s *Service) Mint(ctx context.Context, paymentID string) (*MintResult, error) {
	q, err := s.getQuote(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if q.Status != StatusPaid {
		return nil, ErrNotPaid
	}
	if q.Minted {
		return nil, ErrAlreadyMinted
	}

	opt, ok := s.catalog[q.SKU]
	if !ok {
		return nil, ErrInvalidSKU
	}

	nonce, err := randomHex(16)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	now := time.Now()
	rights := opt.rights(now)
	payload := Payload{
		Type:        payloadType,
		Kind:        KindWalletMint,
		SKU:         q.SKU,
		BuyerPubkey: q.BuyerPubkey,
		Rights:      rights,
		Nonce:       nonce,
		IssuedAt:    now.Unix(),
		ExpiresAt:   rights.ExpiresAt,
	}

	// The id is a digest of the canonical payload before the id field is
	// set. It is an opaque identifier; the minted flag below is what makes
	// minting at-most-once.
	licenseID, err := canonicalDigest(payload)
	if err != nil {
		return nil, fmt.Errorf("license id: %w", err)
	}
	payload.LicenseID = licenseID

	licenseJWT, err := s.signer.Sign(TokenClaims{Lic: payload, Txid: q.Txid})
	if err != nil {
		return nil, fmt.Errorf("sign license: %w", err)
	}

	// The license record goes in before the minted flag flips: a failed
	// write here leaves the quote unminted and retryable. A lost mint race
	// below leaves an orphan record no token ever references.
	lic := License{
		LicenseID:  licenseID,
		SKU:        q.SKU,
		Rights:     rights,
		AnchorTxid: q.Txid,
	}
	raw, err := json.Marshal(lic)
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, ledger.NSLicense+licenseID, raw); err != nil {
		return nil, fmt.Errorf("store license: %w", err)
	}

	err = s.store.Update(ctx, ledger.NSQuote+paymentID, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ledger.ErrNotFound
		}
		var rec Quote
		if err := json.Unmarshal(current, &rec); err != nil {
			return nil, err
		}
		if rec.Status != StatusPaid {
			return nil, ErrNotPaid
		}
		if rec.Minted {
			return nil, ErrAlreadyMinted
		}
		rec.Minted = true
		rec.LicenseID = licenseID
		return json.Marshal(rec)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrQuoteNotFound
		}
		return nil, err
	}

	return &MintResult{
		LicenseJWT: licenseJWT,
		LicenseID:  licenseID,
		Txid:       q.Txid,
	}, nil
}

type ConsumeResult struct {
	Receipt string `json:"receipt"`
	Seq     int    `json:"seq"`
}

// Consume spends one unit of the license's quota and returns a signed
// receipt for the event. The quota check and increment are one atomic
// read-modify-write, so concurrent consumptions can never overrun the
// quota. The anchoring transfer afterwards is best effort: its failure is
// logged, never propagated, because the decrement has already committed.
func (s *Service) Consume(ctx context.Context, licenseJWT, newWalletPubkey string) (*ConsumeResult, error) {
	var claims TokenClaims
	if err := s.signer.Verify(licenseJWT, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if claims.Lic.Kind != KindWalletMint {
		return nil, ErrWrongKind
	}

	licenseID := claims.Lic.LicenseID
	now := time.Now().Unix()

	var seq int
	err := s.store.Update(ctx, ledger.NSLicense+licenseID, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ledger.ErrNotFound
		}
		var rec License
		if err := json.Unmarshal(current, &rec); err != nil {
			return nil, err
		}
		if rec.Rights.ExpiresAt != 0 && now > rec.Rights.ExpiresAt {
			return nil, ErrLicenseExpired
		}
		if !rec.Rights.Unlimited {
			if rec.Used >= rec.Rights.Quota {
				return nil, ErrQuotaExhausted
			}
			rec.Used++
		}
		seq = rec.Used
		return json.Marshal(rec)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrLicenseNotFound
		}
		return nil, err
	}

	anchorMemo := fmt.Sprintf("%s|%d", licenseID, seq)
	if err := s.oracle.SendAnchor(ctx, s.cfg.PayToAddr, s.cfg.AnchorAmount, anchorMemo); err != nil {
		log.Printf("anchor failed: license_id=%v seq=%v err=%v", licenseID, seq, err)
	}

	receipt, err := s.signer.Sign(ReceiptClaims{
		OK:        true,
		LicenseID: licenseID,
		Seq:       seq,
		Pubkey:    newWalletPubkey,
		Timestamp: now,
	})
	if err != nil {
		return nil, fmt.Errorf("sign receipt: %w", err)
	}

	return &ConsumeResult{Receipt: receipt, Seq: seq}, nil
}

func (s *Service) getQuote(ctx context.Context, paymentID string) (*Quote, error) {
	raw, err := s.store.Get(ctx, ledger.NSQuote+paymentID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrQuoteNotFound
		}
		return nil, fmt.Errorf("get quote: %w", err)
	}

	var q Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}
	return &q, nil
}

// canonicalDigest hashes the sorted-key JSON serialization of v, ignoring
// any license_id field already present.
func canonicalDigest(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	delete(m, "license_id")

	// encoding/json writes map keys in sorted order.
	canonical, err := json.Marshal(m)
	if err != nil {
		return "", err
	}

	return sha256Hex(string(canonical)), nil
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

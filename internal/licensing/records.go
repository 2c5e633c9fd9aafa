package licensing

import (
	"github.com/golang-jwt/jwt/v5"
)

const (
	StatusPending = "PENDING"
	StatusPaid    = "PAID"
	StatusExpired = "EXPIRED"
)

const (
	payloadType = "POIC_LICENSE"
	// KindWalletMint is the only consumable license kind.
	KindWalletMint = "WALLET_MINT"
)

// Quote is the ledger record of a pending purchase. Quotes are never
// deleted; they double as the audit trail of every purchase attempt.
type Quote struct {
	PaymentID   string `json:"payment_id"`
	SKU         string `json:"sku"`
	Amount      int64  `json:"amount"`
	Memo        string `json:"memo"`
	BuyerPubkey string `json:"buyer_pubkey"`
	Status      string `json:"status"`
	Txid        string `json:"txid,omitempty"`
	Minted      bool   `json:"minted,omitempty"`
	LicenseID   string `json:"license_id,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	ExpiresAt   int64  `json:"expires_at"`
}

// Rights is either a finite quota of consumptions or a time-bounded
// unlimited grant.
type Rights struct {
	Quota     int   `json:"quota,omitempty"`
	Unlimited bool  `json:"unlimited,omitempty"`
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// License is the server-side ledger record. It is never handed to callers
// whole; they only ever hold the signed token.
type License struct {
	LicenseID     string `json:"license_id"`
	SKU           string `json:"sku"`
	Rights        Rights `json:"rights"`
	Used          int    `json:"used"`
	DownloadsUsed int    `json:"downloads_used"`
	AnchorTxid    string `json:"anchor_txid"`
}

// Payload is the signed license assertion carried inside the token.
type Payload struct {
	Type        string `json:"type"`
	Kind        string `json:"kind"`
	SKU         string `json:"sku"`
	BuyerPubkey string `json:"buyer_pubkey"`
	Rights      Rights `json:"rights"`
	Nonce       string `json:"nonce"`
	IssuedAt    int64  `json:"issued_at"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
	LicenseID   string `json:"license_id,omitempty"`
}

// TokenClaims wraps the license payload with its anchoring transaction.
// This is the only artifact external callers hold.
type TokenClaims struct {
	Lic  Payload `json:"lic"`
	Txid string  `json:"txid"`
	jwt.RegisteredClaims
}

// ReceiptClaims is the signed proof of one consumption event.
type ReceiptClaims struct {
	OK        bool   `json:"ok"`
	LicenseID string `json:"lic_id"`
	Seq       int    `json:"seq"`
	Pubkey    string `json:"pubkey"`
	Timestamp int64  `json:"ts"`
	jwt.RegisteredClaims
}

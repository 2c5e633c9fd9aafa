// Package download exchanges a valid license for a time-boxed, single-use
// download URL and gates the asset redirect on its one and only
// redemption.
//
// Issued URLs carry two independent integrity layers: a signed capability
// token and an HMAC tag over the mutable URL parameters. Tampering with
// either invalidates the URL; redeeming it consumes it permanently.
package download

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/poic/licensing/internal/assets"
	"github.com/poic/licensing/internal/ledger"
	"github.com/poic/licensing/internal/licensing"
)

// ScopeNodeDownload is the capability scope for node installer downloads.
const ScopeNodeDownload = "node_download"

type Config struct {
	// RedeemBase is the absolute URL of the redeem endpoint; issued
	// download URLs point at it.
	RedeemBase string
	// AssetPath is the gated asset, e.g. "/poic-node-installer.exe".
	AssetPath string
	// Secret keys the HMAC tag over the URL parameters.
	Secret       []byte
	TokenTTL     time.Duration
	MaxDownloads int
}

func New(store ledger.Store, signer tokenSigner, resolver assets.Resolver, cfg Config) (*Service, error) {
	if cfg.RedeemBase == "" {
		return nil, fmt.Errorf("must set redeem base url")
	}
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("must set url signing secret")
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 15 * time.Minute
	}
	if cfg.MaxDownloads == 0 {
		cfg.MaxDownloads = 1
	}

	return &Service{
		store:    store,
		signer:   signer,
		resolver: resolver,
		cfg:      cfg,
	}, nil
}

type Service struct {
	store    ledger.Store
	signer   tokenSigner
	resolver assets.Resolver
	cfg      Config
}

type tokenSigner interface {
	Sign(claims jwt.Claims) (string, error)
	Verify(token string, claims jwt.Claims) error
}

// CapabilityClaims is the compact signed token embedded in download URLs.
type CapabilityClaims struct {
	Scope string `json:"scope"`
	SKU   string `json:"sku"`
	jwt.RegisteredClaims
}

// Token is the ledger record backing one single-use download capability.
type Token struct {
	JTI       string `json:"jti"`
	LicenseID string `json:"license_id"`
	Used      bool   `json:"used"`
	IssuedAt  int64  `json:"issued_at"`
	UsedAt    int64  `json:"used_at,omitempty"`
}

type Grant struct {
	DownloadURL string `json:"download_url"`
	LicenseID   string `json:"license_id"`
	ExpiresAt   int64  `json:"expires_at"`
}

// Exchange converts a valid signed license into a single-use download URL.
func (s *Service) Exchange(ctx context.Context, licenseJWT string) (*Grant, error) {
	var claims licensing.TokenClaims
	if err := s.signer.Verify(licenseJWT, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	licenseID := claims.Lic.LicenseID
	rec, err := s.getLicense(ctx, licenseID)
	if err != nil {
		return nil, err
	}

	// The budget counts redemptions, not issued URLs. Tokens issued
	// before the budget is spent stay redeemable; only their own one-shot
	// gate bounds them.
	if rec.DownloadsUsed >= s.cfg.MaxDownloads {
		return nil, ErrDownloadsExhausted
	}

	now := time.Now()
	exp := now.Add(s.cfg.TokenTTL).Unix()
	jti := uuid.New().String()

	capability, err := s.signer.Sign(CapabilityClaims{
		Scope: ScopeNodeDownload,
		SKU:   claims.Lic.SKU,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   licenseID,
			ID:        jti,
			ExpiresAt: jwt.NewNumericDate(time.Unix(exp, 0)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sign capability: %w", err)
	}

	tok := Token{
		JTI:       jti,
		LicenseID: licenseID,
		IssuedAt:  now.Unix(),
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, ledger.NSDLToken+jti, raw); err != nil {
		return nil, fmt.Errorf("store download token: %w", err)
	}

	params := url.Values{}
	params.Set("path", s.cfg.AssetPath)
	params.Set("exp", strconv.FormatInt(exp, 10))
	params.Set("jti", jti)
	params.Set("tok", capability)
	params.Set("sig", s.tag(s.cfg.AssetPath, strconv.FormatInt(exp, 10), jti))

	return &Grant{
		DownloadURL: s.cfg.RedeemBase + "?" + params.Encode(),
		LicenseID:   licenseID,
		ExpiresAt:   exp,
	}, nil
}

type RedeemRequest struct {
	Path string
	Exp  string
	JTI  string
	Tok  string
	Sig  string
}

// Redeem validates a download URL and consumes its token, returning the
// redirect target. Exactly one redemption per token ever succeeds; a
// replayed URL fails ErrTokenAlreadyUsed even while its signature and
// expiry are still valid.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (string, error) {
	if req.Path == "" || req.Exp == "" || req.JTI == "" || req.Tok == "" || req.Sig == "" {
		return "", ErrMalformedRequest
	}

	expect := s.tag(req.Path, req.Exp, req.JTI)
	if !hmac.Equal([]byte(expect), []byte(req.Sig)) {
		return "", ErrForbidden
	}

	exp, err := strconv.ParseInt(req.Exp, 10, 64)
	if err != nil {
		return "", ErrMalformedRequest
	}
	if time.Now().Unix() > exp {
		return "", ErrForbidden
	}

	var capability CapabilityClaims
	if err := s.signer.Verify(req.Tok, &capability); err != nil {
		return "", ErrForbidden
	}
	if capability.Scope != ScopeNodeDownload || capability.ID != req.JTI {
		return "", ErrForbidden
	}

	// One-shot gate: flipping used inside a single atomic update is what
	// makes a replayed URL permanently dead.
	now := time.Now().Unix()
	var licenseID string
	err = s.store.Update(ctx, ledger.NSDLToken+req.JTI, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ledger.ErrNotFound
		}
		var rec Token
		if err := json.Unmarshal(current, &rec); err != nil {
			return nil, err
		}
		if rec.Used {
			return nil, ErrTokenAlreadyUsed
		}
		rec.Used = true
		rec.UsedAt = now
		licenseID = rec.LicenseID
		return json.Marshal(rec)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return "", ErrTokenNotFound
		}
		return "", err
	}

	// The token flip above already committed the redemption; a failed
	// counter bump is logged, not surfaced.
	err = s.store.Update(ctx, ledger.NSLicense+licenseID, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ledger.ErrNotFound
		}
		var rec licensing.License
		if err := json.Unmarshal(current, &rec); err != nil {
			return nil, err
		}
		rec.DownloadsUsed++
		return json.Marshal(rec)
	})
	if err != nil {
		log.Printf("download counter bump failed: license_id=%v err=%v", licenseID, err)
	}

	return s.resolver.Resolve(ctx, req.Path)
}

func (s *Service) getLicense(ctx context.Context, licenseID string) (*licensing.License, error) {
	raw, err := s.store.Get(ctx, ledger.NSLicense+licenseID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrLicenseNotFound
		}
		return nil, fmt.Errorf("get license: %w", err)
	}

	var rec licensing.License
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode license: %w", err)
	}
	return &rec, nil
}

func (s *Service) tag(path, exp, jti string) string {
	mac := hmac.New(sha256.New, s.cfg.Secret)
	fmt.Fprintf(mac, "%s|%s|%s", path, exp, jti)
	return hex.EncodeToString(mac.Sum(nil))
}

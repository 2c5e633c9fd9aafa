package licensing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poic/licensing/internal/ledger"
	"github.com/poic/licensing/internal/ledger/memory"
	"github.com/poic/licensing/internal/oracle"
	"github.com/poic/licensing/internal/signer"
)

const payToAddr = "genesis-pay-addr"

func testCatalog(t *testing.T) Catalog {
	t.Helper()

	c, err := NewCatalog([]SKUOption{
		{SKU: "wallet-10", Amount: 100, Quota: 10},
		{SKU: "wallet-100", Amount: 800, Quota: 100},
		{SKU: "wallet-monthly-unlimited", Amount: 5000, Unlimited: true, Days: 30},
	})
	require.NoError(t, err)
	return c
}

func newTestService(t *testing.T, orc *mockOracle) (*Service, ledger.Store) {
	t.Helper()

	store := memory.New()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	svc, err := New(store, orc, signer.NewFromKeys(priv, pub, "test-ed25519-v1"), testCatalog(t), Config{
		PayToAddr: payToAddr,
	})
	require.NoError(t, err)

	return svc, store
}

func putQuote(t *testing.T, store ledger.Store, q Quote) {
	t.Helper()

	raw, err := json.Marshal(q)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), ledger.NSQuote+q.PaymentID, raw))
}

func putLicense(t *testing.T, store ledger.Store, lic License) {
	t.Helper()

	raw, err := json.Marshal(lic)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), ledger.NSLicense+lic.LicenseID, raw))
}

func getQuote(t *testing.T, store ledger.Store, paymentID string) Quote {
	t.Helper()

	raw, err := store.Get(context.Background(), ledger.NSQuote+paymentID)
	require.NoError(t, err)
	var q Quote
	require.NoError(t, json.Unmarshal(raw, &q))
	return q
}

func getLicense(t *testing.T, store ledger.Store, licenseID string) License {
	t.Helper()

	raw, err := store.Get(context.Background(), ledger.NSLicense+licenseID)
	require.NoError(t, err)
	var lic License
	require.NoError(t, json.Unmarshal(raw, &lic))
	return lic
}

func TestCreateQuote(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, &mockOracle{})

	q, err := svc.CreateQuote(ctx, "wallet-10", "a1b2c3d4a1b2c3d4a1b2c3d4a1b2c3d4")
	require.NoError(t, err)

	assert.Equal(t, "wallet-10", q.SKU)
	assert.Equal(t, int64(100), q.Amount)
	assert.Equal(t, StatusPending, q.Status)
	assert.Len(t, q.Memo, 32)
	assert.Equal(t, q.CreatedAt+3600, q.ExpiresAt)

	stored := getQuote(t, store, q.PaymentID)
	assert.Equal(t, *q, stored)

	// A second quote for the same buyer and sku gets a fresh id and memo.
	q2, err := svc.CreateQuote(ctx, "wallet-10", "a1b2c3d4a1b2c3d4a1b2c3d4a1b2c3d4")
	require.NoError(t, err)
	assert.NotEqual(t, q.PaymentID, q2.PaymentID)
	assert.NotEqual(t, q.Memo, q2.Memo)
}

func TestCreateQuoteInvalidSKU(t *testing.T) {
	svc, _ := newTestService(t, &mockOracle{})

	_, err := svc.CreateQuote(context.Background(), "wallet-9000", "a1b2c3d4a1b2c3d4a1b2c3d4a1b2c3d4")
	assert.ErrorIs(t, err, ErrInvalidSKU)
}

func TestCheckPayment(t *testing.T) {
	now := time.Now().Unix()

	var tests = []struct {
		name       string
		quote      *Quote
		oracle     *mockOracle
		status     string
		txid       string
		err        error
		oracleHits int32
	}{
		{
			name:   "unknown payment id",
			oracle: &mockOracle{},
			err:    ErrQuoteNotFound,
		},
		{
			name: "already paid answers from ledger",
			quote: &Quote{
				PaymentID: "p1", SKU: "wallet-10", Amount: 100, Memo: "m1",
				Status: StatusPaid, Txid: "tx-cached", ExpiresAt: now + 3600,
			},
			oracle:     &mockOracle{FindPaymentPayment: &oracle.Payment{Txid: "tx-new", Amount: 100, To: payToAddr}},
			status:     StatusPaid,
			txid:       "tx-cached",
			oracleHits: 0,
		},
		{
			name: "pending past horizon expires",
			quote: &Quote{
				PaymentID: "p2", SKU: "wallet-10", Amount: 100, Memo: "m2",
				Status: StatusPending, ExpiresAt: now - 10,
			},
			oracle:     &mockOracle{},
			status:     StatusExpired,
			oracleHits: 0,
		},
		{
			name: "oracle match transitions to paid",
			quote: &Quote{
				PaymentID: "p3", SKU: "wallet-10", Amount: 100, Memo: "m3",
				Status: StatusPending, ExpiresAt: now + 3600,
			},
			oracle:     &mockOracle{FindPaymentPayment: &oracle.Payment{Txid: "tx1", Amount: 100, To: payToAddr}},
			status:     StatusPaid,
			txid:       "tx1",
			oracleHits: 1,
		},
		{
			name: "underpaid transfer stays pending",
			quote: &Quote{
				PaymentID: "p4", SKU: "wallet-10", Amount: 100, Memo: "m4",
				Status: StatusPending, ExpiresAt: now + 3600,
			},
			oracle:     &mockOracle{FindPaymentPayment: &oracle.Payment{Txid: "tx1", Amount: 99, To: payToAddr}},
			status:     StatusPending,
			oracleHits: 1,
		},
		{
			name: "wrong destination stays pending",
			quote: &Quote{
				PaymentID: "p5", SKU: "wallet-10", Amount: 100, Memo: "m5",
				Status: StatusPending, ExpiresAt: now + 3600,
			},
			oracle:     &mockOracle{FindPaymentPayment: &oracle.Payment{Txid: "tx1", Amount: 100, To: "someone-else"}},
			status:     StatusPending,
			oracleHits: 1,
		},
		{
			name: "no match yet stays pending",
			quote: &Quote{
				PaymentID: "p6", SKU: "wallet-10", Amount: 100, Memo: "m6",
				Status: StatusPending, ExpiresAt: now + 3600,
			},
			oracle:     &mockOracle{FindPaymentErr: oracle.ErrNoMatch},
			status:     StatusPending,
			oracleHits: 1,
		},
		{
			name: "oracle timeout is inconclusive",
			quote: &Quote{
				PaymentID: "p7", SKU: "wallet-10", Amount: 100, Memo: "m7",
				Status: StatusPending, ExpiresAt: now + 3600,
			},
			oracle:     &mockOracle{FindPaymentErr: context.DeadlineExceeded},
			status:     StatusPending,
			oracleHits: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newTestService(t, tt.oracle)

			paymentID := "missing"
			if tt.quote != nil {
				putQuote(t, store, *tt.quote)
				paymentID = tt.quote.PaymentID
			}

			status, err := svc.CheckPayment(context.Background(), paymentID)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.status, status.Status)
			assert.Equal(t, tt.txid, status.Txid)
			assert.Equal(t, tt.oracleHits, atomic.LoadInt32(&tt.oracle.FindPaymentCalls))

			stored := getQuote(t, store, paymentID)
			assert.Equal(t, tt.status, stored.Status)

			// Pending outcomes leave the record untouched and retryable.
			if tt.status == StatusPending {
				assert.Empty(t, stored.Txid)
			}
		})
	}
}

func TestCheckPaymentConcurrent(t *testing.T) {
	ctx := context.Background()
	orc := &mockOracle{FindPaymentPayment: &oracle.Payment{Txid: "tx1", Amount: 100, To: payToAddr}}
	svc, store := newTestService(t, orc)

	putQuote(t, store, Quote{
		PaymentID: "p1", SKU: "wallet-10", Amount: 100, Memo: "m1",
		Status: StatusPending, ExpiresAt: time.Now().Unix() + 3600,
	})

	const n = 20
	var wg sync.WaitGroup
	results := make([]*PaymentStatus, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, err := svc.CheckPayment(ctx, "p1")
			if err != nil {
				t.Errorf("CheckPayment: %v", err)
				return
			}
			results[i] = status
		}(i)
	}
	wg.Wait()

	for _, status := range results {
		require.NotNil(t, status)
		assert.Equal(t, StatusPaid, status.Status)
		assert.Equal(t, "tx1", status.Txid)
	}

	stored := getQuote(t, store, "p1")
	assert.Equal(t, StatusPaid, stored.Status)
	assert.Equal(t, "tx1", stored.Txid)
}

func TestMint(t *testing.T) {
	now := time.Now().Unix()

	var tests = []struct {
		name  string
		quote *Quote
		err   error
	}{
		{
			name: "unknown payment id",
			err:  ErrQuoteNotFound,
		},
		{
			name: "pending quote is not mintable",
			quote: &Quote{
				PaymentID: "p1", SKU: "wallet-10", Amount: 100,
				Status: StatusPending, ExpiresAt: now + 3600,
			},
			err: ErrNotPaid,
		},
		{
			name: "expired quote is not mintable",
			quote: &Quote{
				PaymentID: "p2", SKU: "wallet-10", Amount: 100,
				Status: StatusExpired, ExpiresAt: now - 10,
			},
			err: ErrNotPaid,
		},
		{
			name: "already minted",
			quote: &Quote{
				PaymentID: "p3", SKU: "wallet-10", Amount: 100,
				Status: StatusPaid, Txid: "tx1", Minted: true, LicenseID: "lic1",
			},
			err: ErrAlreadyMinted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newTestService(t, &mockOracle{})

			paymentID := "missing"
			if tt.quote != nil {
				putQuote(t, store, *tt.quote)
				paymentID = tt.quote.PaymentID
			}

			_, err := svc.Mint(context.Background(), paymentID)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestMintQuotaSKU(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, &mockOracle{})

	buyer := "a1b2c3d4a1b2c3d4a1b2c3d4a1b2c3d4"
	putQuote(t, store, Quote{
		PaymentID: "p1", SKU: "wallet-10", Amount: 100, Memo: "m1",
		BuyerPubkey: buyer, Status: StatusPaid, Txid: "tx1",
	})

	minted, err := svc.Mint(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "tx1", minted.Txid)
	assert.NotEmpty(t, minted.LicenseID)

	// The signed token verifies and carries the payload.
	var claims TokenClaims
	require.NoError(t, svc.signer.Verify(minted.LicenseJWT, &claims))
	assert.Equal(t, payloadType, claims.Lic.Type)
	assert.Equal(t, KindWalletMint, claims.Lic.Kind)
	assert.Equal(t, "wallet-10", claims.Lic.SKU)
	assert.Equal(t, buyer, claims.Lic.BuyerPubkey)
	assert.Equal(t, 10, claims.Lic.Rights.Quota)
	assert.False(t, claims.Lic.Rights.Unlimited)
	assert.Equal(t, minted.LicenseID, claims.Lic.LicenseID)
	assert.Equal(t, "tx1", claims.Txid)

	// Ledger state: license record created, quote marked minted.
	lic := getLicense(t, store, minted.LicenseID)
	assert.Equal(t, 10, lic.Rights.Quota)
	assert.Equal(t, 0, lic.Used)
	assert.Equal(t, 0, lic.DownloadsUsed)
	assert.Equal(t, "tx1", lic.AnchorTxid)

	q := getQuote(t, store, "p1")
	assert.True(t, q.Minted)
	assert.Equal(t, minted.LicenseID, q.LicenseID)

	// Second mint from the same payment fails.
	_, err = svc.Mint(ctx, "p1")
	assert.ErrorIs(t, err, ErrAlreadyMinted)
}

func TestMintUnlimitedSKU(t *testing.T) {
	svc, store := newTestService(t, &mockOracle{})

	putQuote(t, store, Quote{
		PaymentID: "p1", SKU: "wallet-monthly-unlimited", Amount: 5000, Memo: "m1",
		Status: StatusPaid, Txid: "tx1",
	})

	minted, err := svc.Mint(context.Background(), "p1")
	require.NoError(t, err)

	var claims TokenClaims
	require.NoError(t, svc.signer.Verify(minted.LicenseJWT, &claims))
	assert.True(t, claims.Lic.Rights.Unlimited)

	wantExpiry := time.Now().Add(30 * 24 * time.Hour).Unix()
	assert.InDelta(t, wantExpiry, claims.Lic.Rights.ExpiresAt, 5)
	assert.Equal(t, claims.Lic.Rights.ExpiresAt, claims.Lic.ExpiresAt)
}

func TestMintConcurrent(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, &mockOracle{})

	putQuote(t, store, Quote{
		PaymentID: "p1", SKU: "wallet-10", Amount: 100, Memo: "m1",
		Status: StatusPaid, Txid: "tx1",
	})

	const n = 10
	var (
		wg       sync.WaitGroup
		minted   int32
		rejected int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Mint(ctx, "p1")
			switch {
			case err == nil:
				atomic.AddInt32(&minted, 1)
			case errors.Is(err, ErrAlreadyMinted):
				atomic.AddInt32(&rejected, 1)
			default:
				t.Errorf("unexpected mint error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), minted)
	assert.Equal(t, int32(n-1), rejected)
}

// flakyStore fails the first n Puts under failPrefix, then behaves.
type flakyStore struct {
	ledger.Store
	failPrefix string
	failures   int32
}

func (s *flakyStore) Put(ctx context.Context, key string, value []byte) error {
	if strings.HasPrefix(key, s.failPrefix) && atomic.AddInt32(&s.failures, -1) >= 0 {
		return errors.New("disk full")
	}
	return s.Store.Put(ctx, key, value)
}

func TestMintRetriesAfterStorageFailure(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{Store: memory.New(), failPrefix: ledger.NSLicense, failures: 1}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	svc, err := New(flaky, &mockOracle{}, signer.NewFromKeys(priv, pub, "test-ed25519-v1"), testCatalog(t), Config{
		PayToAddr: payToAddr,
	})
	require.NoError(t, err)

	putQuote(t, flaky, Quote{
		PaymentID: "p1", SKU: "wallet-10", Amount: 100, Memo: "m1",
		Status: StatusPaid, Txid: "tx1",
	})

	// The license write fails before the minted flag flips.
	_, err = svc.Mint(ctx, "p1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyMinted)
	assert.False(t, getQuote(t, flaky, "p1").Minted)

	// The paid quote is still mintable.
	minted, err := svc.Mint(ctx, "p1")
	require.NoError(t, err)

	lic := getLicense(t, flaky, minted.LicenseID)
	assert.Equal(t, "tx1", lic.AnchorTxid)

	q := getQuote(t, flaky, "p1")
	assert.True(t, q.Minted)
	assert.Equal(t, minted.LicenseID, q.LicenseID)
}

func TestCanonicalDigestIgnoresLicenseID(t *testing.T) {
	payload := Payload{
		Type: payloadType, Kind: KindWalletMint, SKU: "wallet-10",
		BuyerPubkey: "buyer", Rights: Rights{Quota: 10},
		Nonce: "nonce", IssuedAt: 1700000000,
	}

	before, err := canonicalDigest(payload)
	require.NoError(t, err)

	payload.LicenseID = before
	after, err := canonicalDigest(payload)
	require.NoError(t, err)

	assert.Equal(t, before, after)
}

func mintTestLicense(t *testing.T, svc *Service, store ledger.Store, sku string) (string, string) {
	t.Helper()

	paymentID, err := randomHex(8)
	require.NoError(t, err)
	putQuote(t, store, Quote{
		PaymentID: paymentID, SKU: sku, Memo: "m-" + paymentID,
		BuyerPubkey: "a1b2c3d4a1b2c3d4a1b2c3d4a1b2c3d4",
		Status:      StatusPaid, Txid: "tx-" + paymentID,
	})

	minted, err := svc.Mint(context.Background(), paymentID)
	require.NoError(t, err)
	return minted.LicenseJWT, minted.LicenseID
}

func TestConsumeQuota(t *testing.T) {
	ctx := context.Background()
	orc := &mockOracle{}
	svc, store := newTestService(t, orc)

	licenseJWT, licenseID := mintTestLicense(t, svc, store, "wallet-10")

	// The full quota is consumable, sequence numbers run 1..10.
	for i := 1; i <= 10; i++ {
		result, err := svc.Consume(ctx, licenseJWT, "new-wallet-pubkey")
		require.NoError(t, err)
		assert.Equal(t, i, result.Seq)

		var receipt ReceiptClaims
		require.NoError(t, svc.signer.Verify(result.Receipt, &receipt))
		assert.True(t, receipt.OK)
		assert.Equal(t, licenseID, receipt.LicenseID)
		assert.Equal(t, i, receipt.Seq)
		assert.Equal(t, "new-wallet-pubkey", receipt.Pubkey)
	}

	// The 11th attempt fails and the counter stays put.
	_, err := svc.Consume(ctx, licenseJWT, "new-wallet-pubkey")
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Equal(t, 10, getLicense(t, store, licenseID).Used)

	// One anchor per successful consumption.
	assert.Equal(t, int32(10), atomic.LoadInt32(&orc.SendAnchorCalls))
}

func TestConsumeUnlimited(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, &mockOracle{})

	licenseJWT, licenseID := mintTestLicense(t, svc, store, "wallet-monthly-unlimited")

	// Unlimited grants are uncounted.
	for i := 0; i < 25; i++ {
		result, err := svc.Consume(ctx, licenseJWT, "pk")
		require.NoError(t, err)
		assert.Equal(t, 0, result.Seq)
	}
	assert.Equal(t, 0, getLicense(t, store, licenseID).Used)

	// Once the expiry passes the license is permanently unusable.
	require.NoError(t, store.Update(ctx, ledger.NSLicense+licenseID, func(current []byte) ([]byte, error) {
		var rec License
		require.NoError(t, json.Unmarshal(current, &rec))
		rec.Rights.ExpiresAt = time.Now().Unix() - 10
		return json.Marshal(rec)
	}))

	_, err := svc.Consume(ctx, licenseJWT, "pk")
	assert.ErrorIs(t, err, ErrLicenseExpired)
}

func TestConsumeRejections(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, &mockOracle{})

	t.Run("garbage token", func(t *testing.T) {
		_, err := svc.Consume(ctx, "not-a-jwt", "pk")
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("token signed by another key", func(t *testing.T) {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		forged, err := signer.NewFromKeys(priv, pub, "rogue").Sign(TokenClaims{
			Lic: Payload{Kind: KindWalletMint, LicenseID: "lic1"},
		})
		require.NoError(t, err)

		_, err = svc.Consume(ctx, forged, "pk")
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("wrong kind", func(t *testing.T) {
		tok, err := svc.signer.Sign(TokenClaims{Lic: Payload{Kind: "SOMETHING_ELSE", LicenseID: "lic1"}})
		require.NoError(t, err)

		_, err = svc.Consume(ctx, tok, "pk")
		assert.ErrorIs(t, err, ErrWrongKind)
	})

	t.Run("license record missing", func(t *testing.T) {
		tok, err := svc.signer.Sign(TokenClaims{Lic: Payload{Kind: KindWalletMint, LicenseID: "ghost"}})
		require.NoError(t, err)

		_, err = svc.Consume(ctx, tok, "pk")
		assert.ErrorIs(t, err, ErrLicenseNotFound)
	})

	t.Run("anchor failure does not fail consumption", func(t *testing.T) {
		orc := &mockOracle{SendAnchorErr: errors.New("chain unreachable")}
		svc, store := newTestService(t, orc)
		licenseJWT, licenseID := mintTestLicense(t, svc, store, "wallet-10")

		result, err := svc.Consume(ctx, licenseJWT, "pk")
		require.NoError(t, err)
		assert.Equal(t, 1, result.Seq)
		assert.Equal(t, 1, getLicense(t, store, licenseID).Used)
	})
}

func TestConsumeConcurrent(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, &mockOracle{})

	licenseJWT, licenseID := mintTestLicense(t, svc, store, "wallet-10")

	const n = 50
	var (
		wg        sync.WaitGroup
		succeeded int32
		exhausted int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Consume(ctx, licenseJWT, "pk")
			switch {
			case err == nil:
				atomic.AddInt32(&succeeded, 1)
			case errors.Is(err, ErrQuotaExhausted):
				atomic.AddInt32(&exhausted, 1)
			default:
				t.Errorf("unexpected consume error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), succeeded)
	assert.Equal(t, int32(n-10), exhausted)
	assert.Equal(t, 10, getLicense(t, store, licenseID).Used)
}

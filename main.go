package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/poic/licensing/internal/assets"
	"github.com/poic/licensing/internal/download"
	"github.com/poic/licensing/internal/ledger"
	lpg "github.com/poic/licensing/internal/ledger/pg"
	lsqlite "github.com/poic/licensing/internal/ledger/sqlite"
	"github.com/poic/licensing/internal/licensing"
	"github.com/poic/licensing/internal/oracle"
	"github.com/poic/licensing/internal/signer"
)

var (
	commit    string
	buildDate string
)

func main() {
	ctx := context.Background()

	configPath := flag.String("config", "", "location of config file. If non is specified config will be loaded from the environment")
	flag.Parse()

	log.Printf("build info: commit: %v date: %v\n", commit, buildDate)

	var (
		cfg Config
		err error
	)
	if *configPath != "" {
		log.Printf("loading config from file %q\n", *configPath)
		err = cfg.Load(*configPath)
	} else {
		log.Println("loading config from env")
		err = cfg.LoadFromEnv()
	}
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}

	// Ledger setup
	var ldb ledger.Store
	switch cfg.LedgerDriver {
	case "sqlite":
		ldb, err = lsqlite.New(cfg.LedgerDB)
	case "postgres":
		ldb, err = lpg.New(cfg.LedgerDB)
	default:
		log.Printf("unknown ledger_driver %q. must be 'sqlite' or 'postgres'", cfg.LedgerDriver)
		os.Exit(1)
	}
	if err != nil {
		log.Printf("ledger err: %v\n", err)
		os.Exit(1)
	}
	defer ldb.Close()

	// Signing authority setup
	auth, err := signer.NewFromFiles(cfg.SigningPrivateKeyFile, cfg.SigningPublicKeyFile, cfg.SigningKeyID)
	if err != nil {
		log.Printf("signer err: %v\n", err)
		os.Exit(1)
	}

	// Payment oracle setup
	orc := oracle.New(cfg.OracleBin, time.Duration(cfg.OracleTimeoutSeconds)*time.Second)

	catalog, err := licensing.NewCatalog(cfg.SKUs)
	if err != nil {
		log.Printf("sku table err: %v\n", err)
		os.Exit(1)
	}

	lic, err := licensing.New(ldb, orc, auth, catalog, licensing.Config{
		PayToAddr:        cfg.PayToAddr,
		MinConfirmations: cfg.MinConfirmations,
		QuoteTTL:         time.Duration(cfg.QuoteTTLSeconds) * time.Second,
		AnchorAmount:     cfg.AnchorAmount,
	})
	if err != nil {
		log.Printf("licensing err: %v\n", err)
		os.Exit(1)
	}

	// Asset resolver setup
	var resolver assets.Resolver
	if cfg.S3Bucket != "" {
		resolver, err = assets.NewS3(ctx, cfg.S3Bucket, time.Duration(cfg.DownloadTokenTTLSeconds)*time.Second)
		if err != nil {
			log.Printf("s3 err: %v\n", err)
			os.Exit(1)
		}
	} else {
		resolver = assets.NewStatic(cfg.DownloadBase)
	}

	redeemBase, err := url.JoinPath(cfg.APIBase, "/download/redeem")
	if err != nil {
		log.Printf("redeem base err: %v\n", err)
		os.Exit(1)
	}

	dl, err := download.New(ldb, auth, resolver, download.Config{
		RedeemBase:   redeemBase,
		AssetPath:    cfg.NodeAssetPath,
		Secret:       []byte(cfg.URLSigningSecret),
		TokenTTL:     time.Duration(cfg.DownloadTokenTTLSeconds) * time.Second,
		MaxDownloads: cfg.MaxDownloadsPerLicense,
	})
	if err != nil {
		log.Printf("download err: %v\n", err)
		os.Exit(1)
	}

	h := handlers{
		config: cfg,
		ldb:    ldb,
		lic:    lic,
		dl:     dl,
	}

	r := newRouter(h)

	port := fmt.Sprintf(":%d", cfg.Port)

	log.Printf("api listening on %v\n", port)

	http.ListenAndServe(port, r)
}

func newRouter(h handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(metricsMiddleware)

	r.Post("/quote", h.handleCreateQuote)
	r.Post("/verify", h.handleVerifyPayment)
	r.Post("/mint", h.handleMintLicense)
	r.Post("/consume", h.handleConsume)
	r.Post("/download/exchange", h.handleDownloadExchange)
	r.Get("/download/redeem", h.handleDownloadRedeem)
	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

package main

import (
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/poic/licensing/internal/licensing"
)

const (
	defaultQuoteTTLSeconds         = 3600
	defaultDownloadTokenTTLSeconds = 900
	defaultOracleTimeoutSeconds    = 20
	defaultMinConfirmations        = 1
	defaultMaxDownloads            = 1
	defaultAnchorAmount            = 1
	defaultOracleBin               = "./build/poic_node"
	defaultSigningKeyID            = "genesis-ed25519-v1"
	defaultNodeAssetPath           = "/poic-node-installer.exe"
	defaultLedgerDriver            = "sqlite"
)

type Config struct {
	// API settings
	Port         int    `yaml:"port" envconfig:"PORT"`
	APIBase      string `yaml:"api_base" envconfig:"API_BASE"`
	DownloadBase string `yaml:"download_base" envconfig:"DOWNLOAD_BASE"`

	// Payment settings
	PayToAddr            string `yaml:"pay_to_addr" envconfig:"PAY_TO_ADDR"`
	OracleBin            string `yaml:"oracle_bin" envconfig:"ORACLE_BIN"`
	OracleTimeoutSeconds int    `yaml:"oracle_timeout_seconds" envconfig:"ORACLE_TIMEOUT_SECONDS"`
	MinConfirmations     int    `yaml:"min_confirmations" envconfig:"MIN_CONFIRMATIONS"`
	AnchorAmount         int64  `yaml:"anchor_amount" envconfig:"ANCHOR_AMOUNT"`
	QuoteTTLSeconds      int    `yaml:"quote_ttl_seconds" envconfig:"QUOTE_TTL_SECONDS"`

	// Signing settings
	SigningPrivateKeyFile string `yaml:"signing_private_key_file" envconfig:"SIGNING_PRIVATE_KEY_FILE"`
	SigningPublicKeyFile  string `yaml:"signing_public_key_file" envconfig:"SIGNING_PUBLIC_KEY_FILE"`
	SigningKeyID          string `yaml:"signing_key_id" envconfig:"SIGNING_KEY_ID"`
	URLSigningSecret      string `yaml:"url_signing_secret" envconfig:"URL_SIGNING_SECRET"`

	// Download settings
	NodeAssetPath           string `yaml:"node_asset_path" envconfig:"NODE_ASSET_PATH"`
	DownloadTokenTTLSeconds int    `yaml:"download_token_ttl_seconds" envconfig:"DOWNLOAD_TOKEN_TTL_SECONDS"`
	MaxDownloadsPerLicense  int    `yaml:"max_downloads_per_license" envconfig:"MAX_DOWNLOADS_PER_LICENSE"`
	S3Bucket                string `yaml:"s3_bucket" envconfig:"S3_BUCKET"`

	// Ledger settings
	LedgerDriver string `yaml:"ledger_driver" envconfig:"LEDGER_DRIVER"`
	LedgerDB     string `yaml:"ledger_db" envconfig:"LEDGER_DB"`

	SKUs []licensing.SKUOption `yaml:"skus"`
}

// Load Config from a yaml file at path.
func (c *Config) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(c); err != nil {
		return err
	}

	c.applyDefaults()
	return nil
}

// Load Config from the environment.
func (c *Config) LoadFromEnv() error {
	if err := envconfig.Process("", c); err != nil {
		return err
	}

	c.applyDefaults()
	return nil
}

func (c *Config) applyDefaults() {
	if c.QuoteTTLSeconds == 0 {
		c.QuoteTTLSeconds = defaultQuoteTTLSeconds
	}
	if c.DownloadTokenTTLSeconds == 0 {
		c.DownloadTokenTTLSeconds = defaultDownloadTokenTTLSeconds
	}
	if c.OracleTimeoutSeconds == 0 {
		c.OracleTimeoutSeconds = defaultOracleTimeoutSeconds
	}
	if c.MinConfirmations == 0 {
		c.MinConfirmations = defaultMinConfirmations
	}
	if c.MaxDownloadsPerLicense == 0 {
		c.MaxDownloadsPerLicense = defaultMaxDownloads
	}
	if c.AnchorAmount == 0 {
		c.AnchorAmount = defaultAnchorAmount
	}
	if c.OracleBin == "" {
		c.OracleBin = defaultOracleBin
	}
	if c.SigningKeyID == "" {
		c.SigningKeyID = defaultSigningKeyID
	}
	if c.NodeAssetPath == "" {
		c.NodeAssetPath = defaultNodeAssetPath
	}
	if c.LedgerDriver == "" {
		c.LedgerDriver = defaultLedgerDriver
	}
	if len(c.SKUs) == 0 {
		c.SKUs = defaultSKUs()
	}
}

func defaultSKUs() []licensing.SKUOption {
	return []licensing.SKUOption{
		{SKU: "wallet-10", Amount: 100, Quota: 10},
		{SKU: "wallet-100", Amount: 800, Quota: 100},
		{SKU: "wallet-1000", Amount: 6000, Quota: 1000},
		{SKU: "wallet-monthly-unlimited", Amount: 5000, Unlimited: true, Days: 30},
	}
}

package hivebridge

import (
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/shopspring/decimal"

	"github.com/v4vapp/hivebridge/ledger"
	"github.com/v4vapp/hivebridge/money"
)

const (
	defaultRPCPort     = "10009"
	defaultRPCHostPort = "localhost:" + defaultRPCPort
	defaultMacaroon    = "admin.macaroon"
	defaultNetwork     = "mainnet"

	defaultMongoURI      = "mongodb://localhost:27017"
	defaultMongoDatabase = "hivebridge"

	defaultRedisAddr = "localhost:6379"

	defaultConvFeePercent       = 0.015
	defaultMinimumInvoiceSats   = 1
	defaultMaximumInvoiceSats   = 2_500_000
	defaultLightningFeeLimitPPM = 10_000
	defaultTinySats             = 2
)

// defaultQuoteSources are the market data backends queried when none
// are configured. CoinMarketCap is opt-in, it needs an api key.
var defaultQuoteSources = []string{"binance", "coingecko"}

// LndConfig holds the connection details of the lnd node the bridge
// pays through.
type LndConfig struct {
	// RPCServer is host:port that lnd's RPC server is listening on.
	RPCServer string `long:"rpcserver" description:"host:port that LND is listening for RPC connections on"`

	// MacaroonDir is the directory containing macaroons.
	MacaroonDir string `long:"macaroondir" description:"Dir containing macaroons"`

	// MacaroonFile is the file name of the macaroon to use.
	MacaroonFile string `long:"macaroonfile" description:"Macaroon file to use."`

	// TLSCertPath is the path to the tls cert that the bridge should
	// use.
	TLSCertPath string `long:"tlscertpath" description:"Path to TLS cert"`

	// TestNet is set to true when running on testnet.
	TestNet bool `long:"testnet" description:"Use the testnet network"`

	// Simnet is set to true when using btcd's simnet.
	Simnet bool `long:"simnet" description:"Use simnet"`

	// Regtest is set to true when using bitcoind's regtest.
	Regtest bool `long:"regtest" description:"Use regtest"`

	// network is a string containing the network we're running on.
	network string
}

// MongoConfig locates the database every op and ledger entry is stored
// in.
type MongoConfig struct {
	URI      string `long:"uri" description:"Mongo connection string"`
	Database string `long:"database" description:"Database holding the ops and ledger collections"`
}

// RedisConfig locates the redis instance used for locks, caches and
// resume tokens.
type RedisConfig struct {
	Addr     string `long:"addr" description:"host:port of the redis server"`
	Password string `long:"password" description:"Redis password, empty for none"`
	DB       int    `long:"db" description:"Redis database number"`
}

// HiveConfig names the operator's hive accounts and the signer the
// bridge broadcasts through.
type HiveConfig struct {
	// ServerAccount receives customer transfers and signs replies.
	ServerAccount string `long:"serveraccount" description:"Hive account the bridge operates as"`

	// TreasuryAccount holds the operator's cold hive.
	TreasuryAccount string `long:"treasuryaccount" description:"Hive account holding the treasury"`

	// FundingAccount is the operator's capital account.
	FundingAccount string `long:"fundingaccount" description:"Hive account owner funding arrives from"`

	// ExchangeAccounts are the deposit accounts of the exchanges the
	// treasury rebalances through.
	ExchangeAccounts []string `long:"exchangeaccount" description:"Exchange deposit account, may be specified multiple times"`

	// SuspectAccount parks value received from bad actors.
	SuspectAccount string `long:"suspectaccount" description:"Account bad actor value is parked on, empty for the default"`

	// NodeName overrides the lightning node alias used as the external
	// movements sub account.
	NodeName string `long:"nodename" description:"Override the lnd alias in ledger sub accounts"`

	// SignerEndpoint is the url of the signing sidecar. Broadcasts are
	// logged instead of sent when empty.
	SignerEndpoint string `long:"signerendpoint" description:"URL of the hive transaction signer"`

	// Nodes overrides the api node list.
	Nodes []string `long:"node" description:"Hive API node, may be specified multiple times"`

	// BadActors are accounts treated as bad actors on top of the
	// published list.
	BadActors []string `long:"badactor" description:"Additional bad actor account, may be specified multiple times"`

	// WatchUsers are accounts whose transfers are surfaced at info
	// level as they stream past.
	WatchUsers []string `long:"watchuser" description:"Account whose transfers are logged at info level, may be specified multiple times"`

	// StartBlock is the first block to scan. Zero resumes from the
	// stored position, falling back to the head.
	StartBlock int64 `long:"startblock" description:"First block to scan, 0 resumes from the stored position"`
}

// FeesConfig sets the operator's conversion and routing fees.
type FeesConfig struct {
	ConvFeePercent       float64 `long:"convfeepercent" description:"Proportional conversion fee as a fraction, 0.015 charges 1.5%"`
	ConvFeeSats          int64   `long:"convfeesats" description:"Flat per-conversion fee in satoshis"`
	MinimumInvoiceSats   int64   `long:"mininvoicesats" description:"Smallest invoice paid or converted"`
	MaximumInvoiceSats   int64   `long:"maxinvoicesats" description:"Largest invoice paid or converted"`
	LightningFeeLimitPPM int64   `long:"feelimitppm" description:"Routing fee cap in parts per million"`

	// TinySats forces replies at or under this many sats onto the
	// custom_json channel instead of a dust transfer.
	TinySats int64 `long:"tinysats" description:"Largest reply sent as a custom_json instead of a dust transfer"`
}

// ExchangeConfig holds the spot exchange credentials the rebalancer
// trades with. Rebalancing is disabled when no key is set.
type ExchangeConfig struct {
	APIKey    string `long:"apikey" description:"Exchange API key, empty disables rebalancing"`
	APISecret string `long:"apisecret" description:"Exchange API secret"`
	Testnet   bool   `long:"testnet" description:"Trade on the exchange's testnet"`

	// MinSats is the execution floor on top of the exchange filters.
	MinSats int64 `long:"minsats" description:"Smallest accumulated amount worth trading"`

	// Interval between accumulator sweeps, zero for the default.
	Interval time.Duration `long:"interval" description:"Time between rebalance sweeps. Valid time units are {s, m, h}."`
}

// LimitsConfig sets the rolling conversion caps. Hours and sats are
// paired by position; empty disables checking.
type LimitsConfig struct {
	Hours []int   `long:"hours" description:"Window length in hours, paired with sats by position"`
	Sats  []int64 `long:"sats" description:"Satoshis allowed inside the matching window"`
}

// PricesConfig selects the market data backends quotes are built from.
type PricesConfig struct {
	Sources          []string `long:"source" description:"Quote backend (binance, coingecko, coinmarketcap), may be specified multiple times"`
	CoinMarketCapKey string   `long:"coinmarketcapkey" description:"API key for the coinmarketcap backend"`
}

// Config is the full daemon configuration.
type Config struct {
	Lnd      *LndConfig      `group:"lnd" namespace:"lnd"`
	Mongo    *MongoConfig    `group:"mongo" namespace:"mongo"`
	Redis    *RedisConfig    `group:"redis" namespace:"redis"`
	Hive     *HiveConfig     `group:"hive" namespace:"hive"`
	Fees     *FeesConfig     `group:"fees" namespace:"fees"`
	Exchange *ExchangeConfig `group:"exchange" namespace:"exchange"`
	Limits   *LimitsConfig   `group:"limits" namespace:"limits"`
	Prices   *PricesConfig   `group:"prices" namespace:"prices"`
}

// DefaultConfig returns the skeleton config LoadConfig starts from.
func DefaultConfig() *Config {
	return &Config{
		Lnd: &LndConfig{
			RPCServer:    defaultRPCHostPort,
			MacaroonFile: defaultMacaroon,
			network:      defaultNetwork,
		},
		Mongo: &MongoConfig{
			URI:      defaultMongoURI,
			Database: defaultMongoDatabase,
		},
		Redis: &RedisConfig{
			Addr: defaultRedisAddr,
		},
		Hive: &HiveConfig{},
		Fees: &FeesConfig{
			ConvFeePercent:       defaultConvFeePercent,
			MinimumInvoiceSats:   defaultMinimumInvoiceSats,
			MaximumInvoiceSats:   defaultMaximumInvoiceSats,
			LightningFeeLimitPPM: defaultLightningFeeLimitPPM,
			TinySats:             defaultTinySats,
		},
		Exchange: &ExchangeConfig{},
		Limits:   &LimitsConfig{},
		Prices: &PricesConfig{
			Sources: defaultQuoteSources,
		},
	}
}

// LoadConfig starts with the default config, reads in user provided
// values from the command line and validates the result.
func LoadConfig() (*Config, error) {
	config := DefaultConfig()

	if _, err := flags.Parse(config); err != nil {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	var netCount int
	if c.Lnd.TestNet {
		c.Lnd.network = "testnet"
		netCount++
	}
	if c.Lnd.Regtest {
		c.Lnd.network = "regtest"
		netCount++
	}
	if c.Lnd.Simnet {
		c.Lnd.network = "simnet"
		netCount++
	}

	if netCount > 1 {
		return fmt.Errorf("do not specify more than one network flag")
	}

	if c.Hive.ServerAccount == "" {
		return fmt.Errorf("hive.serveraccount is required")
	}

	if c.Fees.ConvFeePercent < 0 || c.Fees.ConvFeePercent >= 1 {
		return fmt.Errorf("fees.convfeepercent %v is not a fraction "+
			"in [0, 1)", c.Fees.ConvFeePercent)
	}

	if c.Fees.MaximumInvoiceSats > 0 &&
		c.Fees.MinimumInvoiceSats > c.Fees.MaximumInvoiceSats {

		return fmt.Errorf("fees.mininvoicesats %v is above "+
			"fees.maxinvoicesats %v", c.Fees.MinimumInvoiceSats,
			c.Fees.MaximumInvoiceSats)
	}

	if len(c.Limits.Hours) != len(c.Limits.Sats) {
		return fmt.Errorf("limits.hours and limits.sats must be "+
			"paired, got %v and %v values", len(c.Limits.Hours),
			len(c.Limits.Sats))
	}

	if (c.Exchange.APIKey == "") != (c.Exchange.APISecret == "") {
		return fmt.Errorf("exchange.apikey and exchange.apisecret " +
			"must be set together")
	}

	return nil
}

// Network returns the bitcoin network lnd is expected to run on.
func (c *LndConfig) Network() string {
	return c.network
}

// FeeSchedule converts the fee flags to the schedule the pipelines
// charge with.
func (c *FeesConfig) FeeSchedule() money.FeeSchedule {
	return money.FeeSchedule{
		ConvFeePercent:       decimal.NewFromFloat(c.ConvFeePercent),
		ConvFeeSats:          c.ConvFeeSats,
		MinimumInvoiceSats:   c.MinimumInvoiceSats,
		MaximumInvoiceSats:   c.MaximumInvoiceSats,
		LightningFeeLimitPPM: c.LightningFeeLimitPPM,
	}
}

// RateLimits pairs the window flags into the checker's form.
func (c *LimitsConfig) RateLimits() []ledger.LightningRateLimit {
	limits := make([]ledger.LightningRateLimit, len(c.Hours))
	for i, hours := range c.Hours {
		limits[i] = ledger.LightningRateLimit{
			Hours: hours,
			Sats:  c.Sats[i],
		}
	}

	return limits
}

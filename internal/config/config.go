package config

import (
	"fmt"
	"log"
	"sync"

	"github.com/ilyakaznacheev/cleanenv"
)

type Listen struct {
	BindIp string `yaml:"bind_ip" env:"BIND_IP" env-default:"0.0.0.0"`
	Port   string `yaml:"port" env:"PORT" env-default:"8080"`
}

// MasterBot is the always-on registration/admin bot (§4.3).
type MasterBot struct {
	Token       string `yaml:"token" env:"MASTER_BOT_TOKEN" env-default:""`
	AdminChatId int64  `yaml:"admin_chat_id" env:"ADMIN_CHAT_ID" env-default:"0"`
}

type Database struct {
	DSN string `yaml:"dsn" env:"DATABASE_URL" env-default:""`
}

// Mongo backs the optional document store for ai_settings/transcripts (§3).
type Mongo struct {
	Enabled  bool   `yaml:"enabled" env:"MONGO_ENABLED" env-default:"false"`
	Host     string `yaml:"host" env:"MONGO_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"MONGO_PORT" env-default:"27017"`
	User     string `yaml:"user" env:"MONGO_USER" env-default:""`
	Password string `yaml:"password" env:"MONGO_PASSWORD" env-default:""`
	Database string `yaml:"database" env:"MONGO_DATABASE" env-default:"tgfleet"`
}

// Robokassa is the primary payment rail's merchant credentials (§6).
type Robokassa struct {
	MerchantLogin string `yaml:"merchant_login" env:"ROBOKASSA_MERCHANT_LOGIN" env-default:""`
	Password1     string `yaml:"password1" env:"ROBOKASSA_PASSWORD1" env-default:""`
	Password2     string `yaml:"password2" env:"ROBOKASSA_PASSWORD2" env-default:""`
	IsTest        bool   `yaml:"is_test" env:"ROBOKASSA_IS_TEST" env-default:"false"`
	// PaymentAmount/TokensAmount are the decimal-rubles OutSum values for the
	// subscription and token-bundle payment links (§4.4.4 step 1); the master
	// bot shows these on its pricing card.
	PaymentAmount string `yaml:"payment_amount" env:"ROBOKASSA_PAYMENT_AMOUNT" env-default:"499.00"`
	TokensAmount  string `yaml:"tokens_amount" env:"ROBOKASSA_TOKENS_AMOUNT" env-default:"199.00"`
}

// Stripe is the secondary, optional card top-up rail (§6).
type Stripe struct {
	Enabled       bool   `yaml:"enabled" env:"STRIPE_ENABLED" env-default:"false"`
	APIKey        string `yaml:"api_key" env:"STRIPE_API_KEY" env-default:""`
	WebhookSecret string `yaml:"webhook_secret" env:"STRIPE_WEBHOOK_SECRET" env-default:""`
}

// WFirma is the optional invoice/proforma issuance enrichment (§4.4.4 step 3).
type WFirma struct {
	Enabled   bool   `yaml:"enabled" env:"WFIRMA_ENABLED" env-default:"false"`
	AccessKey string `yaml:"access_key" env:"WFIRMA_ACCESS_KEY" env-default:""`
	SecretKey string `yaml:"secret_key" env:"WFIRMA_SECRET_KEY" env-default:""`
	AppID     string `yaml:"app_id" env:"WFIRMA_APP_ID" env-default:""`
}

// OpenAI is the default, always-available Conversation Bridge provider (§4.5.1).
type OpenAI struct {
	APIKey string `yaml:"api_key" env:"OPENAI_API_KEY" env-default:""`
}

// Gate carries the Subscription & Token Gate's operator-tunable knobs (§4.4.1/4.4.4).
type Gate struct {
	TrialDays         int   `yaml:"trial_days" env:"TRIAL_DAYS" env-default:"7"`
	TrialEnabled      bool  `yaml:"trial_enabled" env:"TRIAL_ENABLED" env-default:"true"`
	TokensPerPurchase int64 `yaml:"tokens_per_purchase" env:"TOKENS_PER_PURCHASE" env-default:"100000"`
}

type Config struct {
	MasterBot MasterBot `yaml:"master_bot"`
	Database  Database  `yaml:"database"`
	Mongo     Mongo     `yaml:"mongo"`
	Robokassa Robokassa `yaml:"robokassa"`
	Stripe    Stripe    `yaml:"stripe"`
	WFirma    WFirma    `yaml:"wfirma"`
	OpenAI    OpenAI    `yaml:"openai"`
	Gate      Gate      `yaml:"gate"`
	Listen    Listen    `yaml:"listen"`
	Env       string    `yaml:"env" env:"ENV" env-default:"local"`
}

var instance *Config
var once sync.Once

func MustLoad(path string) *Config {
	var err error
	once.Do(func() {
		instance = &Config{}
		if err = cleanenv.ReadConfig(path, instance); err != nil {
			desc, _ := cleanenv.GetDescription(instance, nil)
			err = fmt.Errorf("config: %s; %s", err, desc)
			instance = nil
			log.Fatal(err)
		}
	})
	return instance
}

/*
Copyright 2024 Stampd Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5401"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"STAMPD_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"STAMPD_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"STAMPD_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"STAMPD_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"STAMPD_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"STAMPD_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"STAMPD_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"STAMPD_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"STAMPD_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	InvoiceQueue      string `json:"invoice_queue" envconfig:"STAMPD_QUEUE_INVOICE"`
	PaymentQueue      string `json:"payment_queue" envconfig:"STAMPD_QUEUE_PAYMENT"`
	NotificationQueue string `json:"notification_queue" envconfig:"STAMPD_QUEUE_NOTIFICATION"`
	NumberOfQueues    int    `json:"number_of_queues" envconfig:"STAMPD_QUEUE_NUMBER_OF_QUEUES"`
	MaxRetryAttempts  int    `json:"max_retry_attempts" envconfig:"STAMPD_QUEUE_MAX_RETRY_ATTEMPTS"`
	BaseDelayMs       int    `json:"base_delay_ms" envconfig:"STAMPD_QUEUE_BASE_DELAY_MS"`
	MaxDelaySeconds   int    `json:"max_delay_seconds" envconfig:"STAMPD_QUEUE_MAX_DELAY_SECONDS"`
	TaskTimeoutSec    int    `json:"task_timeout_sec" envconfig:"STAMPD_QUEUE_TASK_TIMEOUT_SEC"`
	MonitoringPort    string `json:"monitoring_port" envconfig:"STAMPD_QUEUE_MONITORING_PORT"`
}

// ProviderConfig describes one external provider endpoint. TimeoutSec bounds
// every outbound call so a wedged provider cannot hold a worker slot.
type ProviderConfig struct {
	Url             string `json:"url"`
	ClientID        string `json:"client_id"`
	ClientSecret    string `json:"client_secret"`
	TimeoutSec      int    `json:"timeout_sec"`
	TokenTTLSeconds int    `json:"token_ttl_seconds"`
}

type ProvidersConfig struct {
	EInvoice ProviderConfig `json:"einvoice"`
	Payment  ProviderConfig `json:"payment"`
	SMS      ProviderConfig `json:"sms"`
}

type IdempotencyConfig struct {
	ExpiryWindowHours int `json:"expiry_window_hours" envconfig:"STAMPD_IDEMPOTENCY_EXPIRY_WINDOW_HOURS"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int `json:"failure_threshold" envconfig:"STAMPD_BREAKER_FAILURE_THRESHOLD"`
	ResetTimeoutSec  int `json:"reset_timeout_sec" envconfig:"STAMPD_BREAKER_RESET_TIMEOUT_SEC"`
}

type CacheConfig struct {
	TokenSkewSeconds     int `json:"token_skew_seconds" envconfig:"STAMPD_CACHE_TOKEN_SKEW_SECONDS"`
	PendingStatusTTLSec  int `json:"pending_status_ttl_sec" envconfig:"STAMPD_CACHE_PENDING_STATUS_TTL_SEC"`
	TerminalStatusTTLSec int `json:"terminal_status_ttl_sec" envconfig:"STAMPD_CACHE_TERMINAL_STATUS_TTL_SEC"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"STAMPD_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"STAMPD_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"STAMPD_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName    string               `json:"project_name" envconfig:"STAMPD_PROJECT_NAME"`
	Server         ServerConfig         `json:"server"`
	DataSource     DataSourceConfig     `json:"data_source"`
	Redis          RedisConfig          `json:"redis"`
	Queue          QueueConfig          `json:"queue"`
	Providers      ProvidersConfig      `json:"providers"`
	Idempotency    IdempotencyConfig    `json:"idempotency"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Cache          CacheConfig          `json:"cache"`
	Notification   Notification         `json:"notification"`
	RateLimit      RateLimitConfig      `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("stampd", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called stampd.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Stampd Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.applyQueueDefaults()
	cnf.applyResilienceDefaults()

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (cnf *Configuration) applyQueueDefaults() {
	if cnf.Queue.InvoiceQueue == "" {
		cnf.Queue.InvoiceQueue = "new:invoice"
	}
	if cnf.Queue.PaymentQueue == "" {
		cnf.Queue.PaymentQueue = "new:payment"
	}
	if cnf.Queue.NotificationQueue == "" {
		cnf.Queue.NotificationQueue = "new:notification"
	}
	if cnf.Queue.NumberOfQueues <= 0 {
		cnf.Queue.NumberOfQueues = 4
	}
	if cnf.Queue.MaxRetryAttempts <= 0 {
		cnf.Queue.MaxRetryAttempts = 5
	}
	if cnf.Queue.BaseDelayMs <= 0 {
		cnf.Queue.BaseDelayMs = 1000
	}
	if cnf.Queue.MaxDelaySeconds <= 0 {
		cnf.Queue.MaxDelaySeconds = 300
	}
	if cnf.Queue.TaskTimeoutSec <= 0 {
		cnf.Queue.TaskTimeoutSec = 60
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5402"
	}
}

func (cnf *Configuration) applyResilienceDefaults() {
	if cnf.Providers.EInvoice.TimeoutSec <= 0 {
		cnf.Providers.EInvoice.TimeoutSec = 30
	}
	if cnf.Providers.Payment.TimeoutSec <= 0 {
		cnf.Providers.Payment.TimeoutSec = 30
	}
	if cnf.Providers.SMS.TimeoutSec <= 0 {
		cnf.Providers.SMS.TimeoutSec = 15
	}
	if cnf.Providers.EInvoice.TokenTTLSeconds <= 0 {
		cnf.Providers.EInvoice.TokenTTLSeconds = 3600
	}
	if cnf.Providers.Payment.TokenTTLSeconds <= 0 {
		cnf.Providers.Payment.TokenTTLSeconds = 3600
	}

	if cnf.Idempotency.ExpiryWindowHours <= 0 {
		cnf.Idempotency.ExpiryWindowHours = 24
	}

	if cnf.CircuitBreaker.FailureThreshold <= 0 {
		cnf.CircuitBreaker.FailureThreshold = 5
	}
	if cnf.CircuitBreaker.ResetTimeoutSec <= 0 {
		cnf.CircuitBreaker.ResetTimeoutSec = 60
	}

	if cnf.Cache.TokenSkewSeconds <= 0 {
		cnf.Cache.TokenSkewSeconds = 60
	}
	if cnf.Cache.PendingStatusTTLSec <= 0 {
		cnf.Cache.PendingStatusTTLSec = 30
	}
	if cnf.Cache.TerminalStatusTTLSec <= 0 {
		cnf.Cache.TerminalStatusTTLSec = 86400
	}
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	mockConfig.applyQueueDefaults()
	mockConfig.applyResilienceDefaults()
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}

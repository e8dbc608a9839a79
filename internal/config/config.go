// Package config содержит логику чтения конфигурации сервиса.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса учёта задолженностей.
type Config struct {
	RunAddress             string        `env:"RUN_ADDRESS"`
	DatabaseURI            string        `env:"DATABASE_URI"`
	InvoiceRendererAddress string        `env:"INVOICE_RENDERER_ADDRESS"`
	CatalogPath            string        `env:"CATALOG_PATH"`
	KafkaBrokers           string        `env:"KAFKA_BROKERS"`
	AuthSecret             string        `env:"AUTH_SECRET"`
	AdminEmails            string        `env:"ADMIN_EMAILS"`
	ManufacturerEmails     string        `env:"MANUFACTURER_EMAILS"`
	ReconcileInterval      time.Duration `env:"RECONCILE_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения переменных окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.InvoiceRendererAddress, "r", "", "invoice renderer address")
	flag.StringVar(&cfg.CatalogPath, "c", "data/products.json", "product catalog file")
	flag.StringVar(&cfg.KafkaBrokers, "k", "", "kafka brokers for ledger entry events, comma-separated")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for session cookies")
	flag.StringVar(&cfg.AdminEmails, "admins", "", "admin emails, comma-separated")
	flag.StringVar(&cfg.ManufacturerEmails, "manufacturers", "", "manufacturer emails, comma-separated")
	flag.DurationVar(&cfg.ReconcileInterval, "reconcile", 0, "interval of the background ledger drift sweep, 0 disables")

	flag.Parse()

	if fromEnv.RunAddress != "" {
		cfg.RunAddress = fromEnv.RunAddress
	}
	if fromEnv.DatabaseURI != "" {
		cfg.DatabaseURI = fromEnv.DatabaseURI
	}
	if fromEnv.InvoiceRendererAddress != "" {
		cfg.InvoiceRendererAddress = fromEnv.InvoiceRendererAddress
	}
	if fromEnv.CatalogPath != "" {
		cfg.CatalogPath = fromEnv.CatalogPath
	}
	if fromEnv.KafkaBrokers != "" {
		cfg.KafkaBrokers = fromEnv.KafkaBrokers
	}
	if fromEnv.AuthSecret != "" {
		cfg.AuthSecret = fromEnv.AuthSecret
	}
	if fromEnv.AdminEmails != "" {
		cfg.AdminEmails = fromEnv.AdminEmails
	}
	if fromEnv.ManufacturerEmails != "" {
		cfg.ManufacturerEmails = fromEnv.ManufacturerEmails
	}
	if fromEnv.ReconcileInterval != 0 {
		cfg.ReconcileInterval = fromEnv.ReconcileInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}

// splitList разбирает список, разделённый запятыми, отбрасывая пустые элементы.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	res := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			res = append(res, strings.ToLower(p))
		}
	}
	return res
}

// AdminList возвращает список адресов с ролью администратора.
func (c *Config) AdminList() []string {
	return splitList(c.AdminEmails)
}

// ManufacturerList возвращает список адресов с ролью производителя.
func (c *Config) ManufacturerList() []string {
	return splitList(c.ManufacturerEmails)
}

// BrokerList возвращает список брокеров kafka.
func (c *Config) BrokerList() []string {
	return splitList(c.KafkaBrokers)
}

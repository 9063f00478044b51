// Package config loads runtime configuration for the debugWIRE driver
// from an optional .env file overlaid with environment variables.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// AdapterConfig holds the settings needed to locate and drive the USB
// adapter. VendorID/ProductID default to the adapter's well-known IDs
// but can be overridden for clones or bench hardware with a different
// descriptor.
type AdapterConfig struct {
	VendorID    uint16
	ProductID   uint16
	USBTimeout  time.Duration
	SendRetries int
	ReadRetries int
}

var (
	adapterConfig *AdapterConfig
	configLoaded  bool
)

// defaultVendorID and defaultProductID mirror transport.VendorID and
// transport.ProductID; config does not import transport so it can be
// used from main packages without pulling in gousb.
const (
	defaultVendorID  = 0x1781
	defaultProductID = 0x0C9F
)

// LoadAdapterConfig loads the adapter configuration once and caches it.
func LoadAdapterConfig() (*AdapterConfig, error) {
	if adapterConfig != nil && configLoaded {
		return adapterConfig, nil
	}

	cfg := &AdapterConfig{
		VendorID:    defaultVendorID,
		ProductID:   defaultProductID,
		USBTimeout:  5 * time.Second,
		SendRetries: 50,
		ReadRetries: 50,
	}

	// Try to load from .env file in project root
	projectRoot := findProjectRoot()
	envPath := filepath.Join(projectRoot, ".env")
	if data, err := os.ReadFile(envPath); err == nil {
		parseEnvFile(string(data), cfg)
	}

	// Override with environment variables if set
	if v := os.Getenv("DWIRE_VENDOR_ID"); v != "" {
		if id, err := parseHexOrDecimal(v); err == nil {
			cfg.VendorID = uint16(id)
		}
	}
	if v := os.Getenv("DWIRE_PRODUCT_ID"); v != "" {
		if id, err := parseHexOrDecimal(v); err == nil {
			cfg.ProductID = uint16(id)
		}
	}
	if v := os.Getenv("DWIRE_USB_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.USBTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("DWIRE_SEND_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SendRetries = n
		}
	}
	if v := os.Getenv("DWIRE_READ_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReadRetries = n
		}
	}

	adapterConfig = cfg
	configLoaded = true
	return cfg, nil
}

func parseEnvFile(content string, cfg *AdapterConfig) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "DWIRE_VENDOR_ID":
			if id, err := parseHexOrDecimal(value); err == nil {
				cfg.VendorID = uint16(id)
			}
		case "DWIRE_PRODUCT_ID":
			if id, err := parseHexOrDecimal(value); err == nil {
				cfg.ProductID = uint16(id)
			}
		case "DWIRE_USB_TIMEOUT_MS":
			if ms, err := strconv.Atoi(value); err == nil {
				cfg.USBTimeout = time.Duration(ms) * time.Millisecond
			}
		case "DWIRE_SEND_RETRIES":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.SendRetries = n
			}
		case "DWIRE_READ_RETRIES":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.ReadRetries = n
			}
		}
	}
}

func parseHexOrDecimal(s string) (int64, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseInt(s[2:], 16, 32)
	}
	return strconv.ParseInt(s, 10, 32)
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	// First check CWD for .env file
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	// Then walk up looking for go.mod
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}

// MustGetAdapterConfig loads the adapter configuration, panicking only
// if the .env parse machinery itself fails (it never does — a missing
// file is not an error, just defaults).
func MustGetAdapterConfig() AdapterConfig {
	cfg, err := LoadAdapterConfig()
	if err != nil {
		panic("failed to load debugWIRE adapter configuration: " + err.Error())
	}
	return *cfg
}

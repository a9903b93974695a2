package crowdwatchd

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"crowdwatch/intents"
	"crowdwatch/ledger"
)

// Config captures the runtime configuration for crowdwatchd.
type Config struct {
	ListenAddress string `yaml:"listen"`
	RPCURL        string `yaml:"rpc_url"`
	WSURL         string `yaml:"ws_url"`
	Contract      string `yaml:"contract"`
	AdminAddress  string `yaml:"admin_address"`
	CreationFee   string `yaml:"creation_fee"`
	Identity      string `yaml:"identity"`
	SignerKey     string `yaml:"signer_key"`
	SignerKeyEnv  string `yaml:"signer_key_env"`
	SignerKeyFile string `yaml:"signer_key_file"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.normaliseSigner(); err != nil {
		return cfg, fmt.Errorf("signer key: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if strings.TrimSpace(cfg.CreationFee) == "" {
		cfg.CreationFee = intents.DefaultCreationFee
	}
	if strings.TrimSpace(cfg.AdminAddress) == "" {
		cfg.AdminAddress = intents.DefaultAdminAddress.Hex()
	}
}

// normaliseSigner resolves the signer key through its env or file
// indirection so the rest of the service only sees the inline form.
func (cfg *Config) normaliseSigner() error {
	if strings.TrimSpace(cfg.SignerKey) != "" {
		return nil
	}
	if env := strings.TrimSpace(cfg.SignerKeyEnv); env != "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return fmt.Errorf("environment variable %s is empty", env)
		}
		cfg.SignerKey = value
		return nil
	}
	if path := strings.TrimSpace(cfg.SignerKeyFile); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		cfg.SignerKey = strings.TrimSpace(string(raw))
		if cfg.SignerKey == "" {
			return fmt.Errorf("file %s is empty", path)
		}
		return nil
	}
	return fmt.Errorf("one of signer_key, signer_key_env, or signer_key_file is required")
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return fmt.Errorf("rpc_url is required")
	}
	if strings.TrimSpace(cfg.WSURL) == "" {
		return fmt.Errorf("ws_url is required")
	}
	if !ledger.IsHexAddress(cfg.Contract) {
		return fmt.Errorf("contract %q is not a valid address", cfg.Contract)
	}
	if !ledger.IsHexAddress(cfg.AdminAddress) {
		return fmt.Errorf("admin_address %q is not a valid address", cfg.AdminAddress)
	}
	if cfg.Identity != "" && !ledger.IsHexAddress(cfg.Identity) {
		return fmt.Errorf("identity %q is not a valid address", cfg.Identity)
	}
	if _, err := ledger.ParseAmount(cfg.CreationFee); err != nil {
		return fmt.Errorf("creation_fee: %w", err)
	}
	return nil
}

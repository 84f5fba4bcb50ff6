// Secret resolution order for the LLM API key:
//  1. OS keyring (Linux: Secret Service, macOS: Keychain, Windows: Credential Manager)
//  2. Environment variable (ZAPFUNNEL_API_KEY, OPENAI_API_KEY)
//  3. config.yaml value (least secure — plaintext on disk)
package config

import (
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "zapfunnel"

	// keyringAPIKey is the key name for the LLM API key.
	keyringAPIKey = "api_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring. Returns empty string
// if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// resolveAPIKey resolves the LLM API key: keyring → env → config value.
func resolveAPIKey(configValue string) string {
	if val := GetKeyring(keyringAPIKey); val != "" {
		return val
	}
	if key := os.Getenv("ZAPFUNNEL_API_KEY"); key != "" {
		return key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return key
	}
	return configValue
}

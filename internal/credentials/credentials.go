// Package credentials provides a keyed secret lookup for provider API keys.
// Providers check Has before attempting a call; a missing credential means
// the provider is skipped during failover rather than attempted and failed.
package credentials

import "os"

// Store is the credential lookup consumed by provider clients.
type Store interface {
	// Has reports whether a non-empty secret exists for name.
	Has(name string) bool

	// Get returns the secret for name, or "" when absent.
	Get(name string) string
}

// EnvStore resolves credentials from environment variables with the ENGRAM_
// prefix: Get("openai_api_key") reads ENGRAM_OPENAI_API_KEY.
type EnvStore struct{}

// NewEnvStore creates an environment-backed credential store.
func NewEnvStore() *EnvStore {
	return &EnvStore{}
}

func (s *EnvStore) Has(name string) bool {
	return s.Get(name) != ""
}

func (s *EnvStore) Get(name string) string {
	return os.Getenv(envKey(name))
}

func envKey(name string) string {
	key := make([]byte, 0, len(name)+7)
	key = append(key, "ENGRAM_"...)
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		key = append(key, c)
	}
	return string(key)
}

// StaticStore is a fixed credential map, used in tests and for config-file
// supplied keys.
type StaticStore map[string]string

func (s StaticStore) Has(name string) bool { return s[name] != "" }
func (s StaticStore) Get(name string) string { return s[name] }

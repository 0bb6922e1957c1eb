package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"usspot-engine/internal/config"
)

// Auth signs authenticated REST requests with HMAC-SHA256 over the request's
// query string, the way Binance.US authenticates SIGNED endpoints: the full
// query string (including the timestamp and recvWindow parameters) is signed
// with the API secret, and the hex signature is appended as a final query
// parameter. There is no separate derivation step — the key/secret pair
// configured at boot is used directly on every signed request.
type Auth struct {
	apiKey    string
	apiSecret []byte
}

// NewAuth creates an Auth instance from config.
func NewAuth(cfg config.Config) (*Auth, error) {
	return &Auth{
		apiKey:    cfg.Venue.ApiKey,
		apiSecret: []byte(cfg.Venue.ApiSecret),
	}, nil
}

// APIKey returns the configured API key, sent as the X-MBX-APIKEY header on
// every request (signed or not).
func (a *Auth) APIKey() string {
	return a.apiKey
}

// Sign returns the hex-encoded HMAC-SHA256 signature of the given query
// string. Callers append "&signature=<sig>" to the query before sending.
func (a *Auth) Sign(queryString string) string {
	mac := hmac.New(sha256.New, a.apiSecret)
	mac.Write([]byte(queryString))
	return hex.EncodeToString(mac.Sum(nil))
}

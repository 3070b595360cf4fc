package darajaclient

import (
	"encoding/base64"
	"time"
)

// timestampLayout renders the 14-digit YYYYMMDDHHmmss form the provider
// expects.
const timestampLayout = "20060102150405"

// GeneratePassword derives the time-boxed STK password for the given
// shortcode and passkey at the given instant. The concatenation order
// shortcode+passkey+timestamp is fixed by the provider; any deviation is
// rejected upstream as a signature mismatch. Pure computation: deterministic
// for identical inputs and timestamp.
func GeneratePassword(shortcode, passkey string, now time.Time) (password, timestamp string) {
	timestamp = now.Format(timestampLayout)
	password = base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
	return password, timestamp
}

package app

import (
	"errors"
	"strings"
)

// NormalizeMSISDN converts the phone formats tenants actually type
// (07XXXXXXXX, 01XXXXXXXX, +2547..., 2547...) into the 2547XXXXXXXX /
// 2541XXXXXXXX MSISDN form the provider requires.
func NormalizeMSISDN(phone string) (string, error) {
	cleaned := strings.TrimSpace(phone)
	cleaned = strings.TrimPrefix(cleaned, "+")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = strings.ReplaceAll(cleaned, "-", "")

	if cleaned == "" {
		return "", errors.New("empty phone number")
	}
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return "", errors.New("phone number contains non-digit characters")
		}
	}

	switch {
	case strings.HasPrefix(cleaned, "254") && len(cleaned) == 12:
		return cleaned, nil
	case strings.HasPrefix(cleaned, "0") && len(cleaned) == 10:
		return "254" + cleaned[1:], nil
	case (strings.HasPrefix(cleaned, "7") || strings.HasPrefix(cleaned, "1")) && len(cleaned) == 9:
		return "254" + cleaned, nil
	}
	return "", errors.New("unrecognized phone number format")
}

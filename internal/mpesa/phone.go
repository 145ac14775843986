package mpesa

import (
	"fmt"
	"strings"
)

// NormalizePhone converts a Kenyan phone number to the 254XXXXXXXXX form
// Daraja requires. Accepts "+2547XXXXXXXX", "2547XXXXXXXX", "07XXXXXXXX" and
// "01XXXXXXXX" inputs; anything else is rejected.
func NormalizePhone(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	p = strings.ReplaceAll(p, " ", "")
	p = strings.TrimPrefix(p, "+")

	switch {
	case strings.HasPrefix(p, "254"):
		// already international
	case strings.HasPrefix(p, "0") && len(p) == 10:
		p = "254" + p[1:]
	default:
		return "", fmt.Errorf("mpesa: unrecognised phone number format %q", raw)
	}

	if len(p) != 12 {
		return "", fmt.Errorf("mpesa: phone number %q is not 12 digits after normalisation", raw)
	}
	for _, c := range p {
		if c < '0' || c > '9' {
			return "", fmt.Errorf("mpesa: phone number %q contains non-digit characters", raw)
		}
	}
	return p, nil
}

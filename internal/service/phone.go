package service

import "strings"

const countryCode = "233"

// NormalizePhone accepts a local number (0XXXXXXXXX) or its international
// form (+233XXXXXXXXX, 233XXXXXXXXX) and returns the local form.
func NormalizePhone(raw string) (string, error) {
	p := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(raw))
	p = strings.TrimPrefix(p, "+")

	if strings.HasPrefix(p, countryCode) && len(p) == len(countryCode)+9 {
		p = "0" + p[len(countryCode):]
	}
	if len(p) != 10 || p[0] != '0' || p[1] == '0' {
		return "", ErrInvalidPhone
	}
	for _, c := range p {
		if c < '0' || c > '9' {
			return "", ErrInvalidPhone
		}
	}
	return p, nil
}

package util

import (
	"html"
	"strings"
)

// SanitizeInput trims and escapes free-text profile fields.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// ContainsSuspicious reports markup or template fragments in a display name.
func ContainsSuspicious(s string) bool {
	badChars := []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"}
	lower := strings.ToLower(s)
	for _, c := range badChars {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// MaskPhone keeps only the last four digits.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}

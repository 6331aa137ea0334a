package main

import (
	"strings"
	"unicode"
)

func isValidWalletAddress(address string) bool {
	if len(address) != 42 || !strings.HasPrefix(address, "0x") {
		return false
	}

	for _, r := range address[2:] {
		if r >= '0' && r <= '9' {
			continue
		}
		if r >= 'a' && r <= 'f' {
			continue
		}
		if r >= 'A' && r <= 'F' {
			continue
		}
		return false
	}

	return true
}

// normalizeWallet keeps the registry keyed consistently; clients send the
// same address with mixed checksum casing.
func normalizeWallet(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func isValidUsername(username string) bool {
	if username == "" || len(username) > 32 {
		return false
	}

	for _, r := range username {
		if r == '-' || r == '_' || r == ' ' {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		return false
	}

	return true
}

func isValidItemID(itemID string) bool {
	if itemID == "" || len(itemID) > 64 {
		return false
	}

	for _, r := range itemID {
		if r == '-' || r == '_' {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		return false
	}

	return true
}

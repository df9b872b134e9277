package pii

import (
	"strconv"
	"strings"
	"unicode"
)

// digitsOf strips every non-digit rune from s.
func digitsOf(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// luhnValid reports whether the digits of s satisfy the Luhn checksum.
// Card numbers outside 13-19 digits are rejected outright.
func luhnValid(s string) bool {
	digits := digitsOf(s)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	alternate := false
	for i := len(digits) - 1; i >= 0; i-- {
		digit := int(digits[i] - '0')
		if alternate {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		alternate = !alternate
	}
	return sum%10 == 0
}

// ssnValid reports whether the digits of s form an assignable US Social
// Security number. Area 000/666/9xx, group 00, and serial 0000 are never
// issued.
func ssnValid(s string) bool {
	digits := digitsOf(s)
	if len(digits) != 9 {
		return false
	}

	area, _ := strconv.Atoi(digits[0:3])
	group, _ := strconv.Atoi(digits[3:5])
	serial, _ := strconv.Atoi(digits[5:9])

	if area == 0 || area == 666 || area >= 900 {
		return false
	}
	return group != 0 && serial != 0
}

// ibanValid reports whether s passes the ISO 13616 mod-97 check.
// Spaces are tolerated; letters map to 10..35 before the division.
func ibanValid(s string) bool {
	clean := strings.ToUpper(strings.ReplaceAll(s, " ", ""))
	if len(clean) < 15 || len(clean) > 34 {
		return false
	}

	rearranged := clean[4:] + clean[0:4]
	remainder := 0
	for _, ch := range rearranged {
		switch {
		case ch >= '0' && ch <= '9':
			remainder = (remainder*10 + int(ch-'0')) % 97
		case ch >= 'A' && ch <= 'Z':
			v := int(ch - 'A' + 10)
			remainder = (remainder*100 + v) % 97
		default:
			return false
		}
	}
	return remainder == 1
}

// abaValid reports whether s is a well-formed US ABA routing number:
// nine digits with 3*(d1+d4+d7) + 7*(d2+d5+d8) + (d3+d6+d9) divisible by 10.
func abaValid(s string) bool {
	digits := digitsOf(s)
	if len(digits) != 9 || digits == "000000000" {
		return false
	}

	weights := [9]int{3, 7, 1, 3, 7, 1, 3, 7, 1}
	sum := 0
	for i := 0; i < 9; i++ {
		sum += int(digits[i]-'0') * weights[i]
	}
	return sum%10 == 0
}

// ninoInvalidPrefixes are two-letter combinations HMRC never allocates.
var ninoInvalidPrefixes = map[string]struct{}{
	"BG": {}, "GB": {}, "NK": {}, "KN": {}, "TN": {}, "NT": {}, "ZZ": {},
}

// ninoValid reports whether s is an allocatable UK National Insurance
// number. The first letter may not be D, F, I, Q, U or V; the second
// additionally may not be O; a handful of two-letter prefixes are reserved.
func ninoValid(s string) bool {
	clean := strings.ToUpper(strings.ReplaceAll(s, " ", ""))
	if len(clean) != 9 {
		return false
	}
	if strings.ContainsAny(clean[0:1], "DFIQUV") || strings.ContainsAny(clean[1:2], "DFIOQUV") {
		return false
	}
	if _, reserved := ninoInvalidPrefixes[clean[0:2]]; reserved {
		return false
	}
	suffix := clean[8]
	return suffix >= 'A' && suffix <= 'D'
}

// ipv4Valid reports whether every octet of a dotted quad is in 0..255.
func ipv4Valid(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n > 255 {
			return false
		}
		if len(p) > 1 && p[0] == '0' {
			return false
		}
	}
	return true
}

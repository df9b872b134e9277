package pii

import (
	"strings"
	"unicode"
)

// Masks are length-preserving so redacted arguments keep their original
// shape: separators stay in place and every hidden rune becomes '*'.

// maskEmail keeps the first rune of the local part and of the first domain
// label, e.g. "john@corp.com" becomes "j***@c***.com".
func maskEmail(s string) string {
	at := strings.LastIndexByte(s, '@')
	if at <= 0 {
		return maskOpaque(s)
	}
	local, domain := s[:at], s[at+1:]

	var b strings.Builder
	b.Grow(len(s))
	writeHeadMasked(&b, local)
	b.WriteByte('@')

	dot := strings.IndexByte(domain, '.')
	if dot <= 0 {
		writeHeadMasked(&b, domain)
	} else {
		writeHeadMasked(&b, domain[:dot])
		b.WriteString(domain[dot:])
	}
	return b.String()
}

// writeHeadMasked writes the first rune of part followed by one '*' per
// remaining rune.
func writeHeadMasked(b *strings.Builder, part string) {
	runes := []rune(part)
	if len(runes) == 0 {
		return
	}
	b.WriteRune(runes[0])
	for range runes[1:] {
		b.WriteByte('*')
	}
}

// maskKeepLastN hides every digit except the trailing n, leaving separators
// untouched, e.g. "123-45-6789" becomes "***-**-6789" for n=4.
func maskKeepLastN(s string, n int) string {
	total := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			total++
		}
	}

	var b strings.Builder
	b.Grow(len(s))
	seen := 0
	for _, r := range s {
		if !unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		seen++
		if seen > total-n {
			b.WriteRune(r)
		} else {
			b.WriteByte('*')
		}
	}
	return b.String()
}

func maskSSN(s string) string   { return maskKeepLastN(s, 4) }
func maskPhone(s string) string { return maskKeepLastN(s, 4) }
func maskABA(s string) string   { return maskKeepLastN(s, 4) }

// maskCard keeps the first four and last four digits of a card number,
// e.g. "4111111111111111" becomes "4111********1111".
func maskCard(s string) string {
	return maskEdges(s, 4, 4, unicode.IsDigit)
}

// maskIBAN keeps the country code with its check digits and the last four
// characters of the account body.
func maskIBAN(s string) string {
	isBody := func(r rune) bool { return unicode.IsDigit(r) || unicode.IsLetter(r) }
	return maskEdges(s, 4, 4, isBody)
}

// maskEdges hides runes accepted by member except the leading head and
// trailing tail occurrences; other runes pass through unchanged.
func maskEdges(s string, head, tail int, member func(rune) bool) string {
	total := 0
	for _, r := range s {
		if member(r) {
			total++
		}
	}

	var b strings.Builder
	b.Grow(len(s))
	seen := 0
	for _, r := range s {
		if !member(r) {
			b.WriteRune(r)
			continue
		}
		seen++
		if seen <= head || seen > total-tail {
			b.WriteRune(r)
		} else {
			b.WriteByte('*')
		}
	}
	return b.String()
}

// maskIP keeps the leading octet of a dotted quad, e.g. "192.168.1.100"
// becomes "192.***.*.***".
func maskIP(s string) string {
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return maskOpaque(s)
	}
	return s[:dot] + maskOpaque(s[dot:])
}

// maskOpaque hides every letter and digit, keeping separators, e.g.
// "1990-01-15" becomes "****-**-**". The fallback for types without a
// partial-reveal shape.
func maskOpaque(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsDigit(r) || unicode.IsLetter(r) {
			b.WriteByte('*')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

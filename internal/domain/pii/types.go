// Package pii detects and masks personally identifiable information in
// tool-call arguments and tool results. Built-in detectors cover the common
// identifier families; checksum-gated types (credit cards, IBANs, national
// IDs) reject regex candidates that fail their checksums. Custom patterns
// from a rule set augment the built-in table.
package pii

// Type tags a detected value with its identifier family.
type Type string

const (
	// TypeEmail matches RFC-5322-ish email addresses.
	TypeEmail Type = "EMAIL"
	// TypePhone matches North-American-style phone numbers.
	TypePhone Type = "PHONE"
	// TypeCreditCard matches card numbers that pass the Luhn checksum.
	TypeCreditCard Type = "CREDIT_CARD"
	// TypeSSN matches US Social Security numbers with valid area/group/serial.
	TypeSSN Type = "SSN"
	// TypeIBAN matches IBANs that pass the ISO 13616 mod-97 check.
	TypeIBAN Type = "IBAN"
	// TypeIPAddress matches dotted-quad IPv4 addresses.
	TypeIPAddress Type = "IP_ADDRESS"
	// TypePassport matches common machine-readable passport number shapes.
	TypePassport Type = "PASSPORT"
	// TypeDateOfBirth matches ISO-style calendar dates.
	TypeDateOfBirth Type = "DATE_OF_BIRTH"
	// TypeABARouting matches US bank routing numbers with a valid ABA checksum.
	TypeABARouting Type = "US_ABA_ROUTING"
	// TypeUKNINO matches UK National Insurance numbers with a valid prefix.
	TypeUKNINO Type = "UK_NINO"
	// TypeCustom tags matches produced by user-supplied rule-set patterns.
	TypeCustom Type = "CUSTOM"
)

// Match is a single PII detection within a scanned string.
type Match struct {
	// Type is the identifier family of the match.
	Type Type
	// Label is the user-provided name for custom patterns, otherwise the
	// string form of Type.
	Label string
	// Field is the dotted path of the containing value when the match came
	// from a map scan (e.g. "user.contact.email"), empty for plain strings.
	Field string
	// Value is the matched text.
	Value string
	// Start and End are byte offsets of the match within the scanned string.
	Start int
	End   int
	// Masked is the replacement text for this match.
	Masked string
}

// Types returns the distinct type labels of matches in first-seen order.
// Custom matches contribute their label rather than the generic CUSTOM tag.
func Types(matches []Match) []string {
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		label := string(m.Type)
		if m.Type == TypeCustom && m.Label != "" {
			label = m.Label
		}
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		out = append(out, label)
	}
	return out
}

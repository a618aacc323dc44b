package registry

import (
	"strings"
)

// Validator is an optional post-check applied to a raw pattern match.
// A match whose validator fails keeps the finding but degrades confidence.
type Validator func(string) bool

// validators maps the names usable in rule packs to implementations.
var validators = map[string]Validator{
	"bsn_eleven_proof": ValidateBSN,
	"luhn":             ValidateLuhn,
	"iban_mod97":       ValidateIBAN,
}

// ValidateBSN checks a Dutch BSN with the 11-proof: sum of digit*weight with
// weights 9..2 and -1 for the last digit must be a positive multiple of 11.
func ValidateBSN(s string) bool {
	digits := digitsOnly(s)
	if len(digits) != 9 {
		return false
	}
	sum := 0
	for i := 0; i < 8; i++ {
		sum += int(digits[i]-'0') * (9 - i)
	}
	sum -= int(digits[8] - '0')
	return sum > 0 && sum%11 == 0
}

// ValidateLuhn checks a card number with the Luhn algorithm.
func ValidateLuhn(s string) bool {
	digits := digitsOnly(s)
	if len(digits) < 12 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// ValidateIBAN checks an IBAN with the mod-97 rule (ISO 13616).
func ValidateIBAN(s string) bool {
	iban := strings.ToUpper(strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, s))
	if len(iban) < 15 || len(iban) > 34 {
		return false
	}
	// Move the first four characters to the end, then expand letters to digits.
	rearranged := iban[4:] + iban[:4]
	rem := 0
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			rem = (rem*10 + int(r-'0')) % 97
		case r >= 'A' && r <= 'Z':
			v := int(r-'A') + 10
			rem = (rem*100 + v) % 97
		default:
			return false
		}
	}
	return rem == 1
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteByte(byte(r))
		}
	}
	return b.String()
}

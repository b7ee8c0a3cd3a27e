package tts

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	currencyRe    = regexp.MustCompile(`\$(\d+)(?:\.(\d{2}))?`)
	percentRe     = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)
	phoneRe       = regexp.MustCompile(`\b(\d{3})[-.\s]?(\d{3})[-.\s]?(\d{4})\b`)
	bareIntegerRe = regexp.MustCompile(`\b(\d{1,2})\b`)
)

var onesWords = [...]string{
	"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
	"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
	"seventeen", "eighteen", "nineteen",
}

var tensWords = [...]string{
	"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety",
}

// Normalize rewrites a sentence chunk so the TTS vendor reads it the way
// a receptionist would speak it: currency as dollars (and cents), percentages
// as "percent", phone numbers digit by digit, and small integers as
// words. It is idempotent — running it twice on its own output is a
// no-op — so it is safe to call on text that may already be normalized.
func Normalize(text string) string {
	text = currencyRe.ReplaceAllStringFunc(text, normalizeCurrencyMatch)
	text = percentRe.ReplaceAllStringFunc(text, normalizePercentMatch)
	text = phoneRe.ReplaceAllStringFunc(text, normalizePhoneMatch)
	text = bareIntegerRe.ReplaceAllStringFunc(text, normalizeIntegerMatch)
	return text
}

func normalizeCurrencyMatch(m string) string {
	sub := currencyRe.FindStringSubmatch(m)
	dollars := sub[1]
	cents := sub[2]

	dollarsWord := integerToWords(mustAtoi(dollars))
	unit := "dollars"
	if dollars == "1" {
		unit = "dollar"
	}

	if cents == "" || cents == "00" {
		return dollarsWord + " " + unit
	}

	centsWord := integerToWords(mustAtoi(cents))
	centsUnit := "cents"
	if cents == "01" {
		centsUnit = "cent"
	}
	return dollarsWord + " " + unit + " and " + centsWord + " " + centsUnit
}

func normalizePercentMatch(m string) string {
	sub := percentRe.FindStringSubmatch(m)
	return sub[1] + " percent"
}

// normalizePhoneMatch reads a 10-digit phone number digit by digit, with
// the three groups comma-separated so the TTS vendor pauses between
// them the way a person reading a phone number aloud would.
func normalizePhoneMatch(m string) string {
	sub := phoneRe.FindStringSubmatch(m)
	var groups []string
	for _, group := range sub[1:] {
		var words []string
		for _, r := range group {
			words = append(words, onesWords[r-'0'])
		}
		groups = append(groups, strings.Join(words, " "))
	}
	return strings.Join(groups, ", ")
}

func normalizeIntegerMatch(m string) string {
	n := mustAtoi(m)
	if n < 0 || n > 99 {
		return m
	}
	return integerToWords(n)
}

func integerToWords(n int) string {
	if n < 0 || n > 99 {
		return strconv.Itoa(n)
	}
	if n < 20 {
		return onesWords[n]
	}
	tens := n / 10
	ones := n % 10
	if ones == 0 {
		return tensWords[tens]
	}
	return tensWords[tens] + "-" + onesWords[ones]
}

func mustAtoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

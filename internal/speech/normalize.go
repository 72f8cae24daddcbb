package speech

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	currencyRe = regexp.MustCompile(`\$(\d+)`)
	clockRe    = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)
	numberRe   = regexp.MustCompile(`\d+(?:[.,]\d+)*`)
)

var smallNumbers = [...]string{
	"zero", "one", "two", "three", "four", "five", "six",
	"seven", "eight", "nine", "ten", "eleven", "twelve",
}

// Normalize rewrites text so that speech models with little text
// normalisation pronounce it clearly:
//
//	"$5"    -> "five dollars"
//	"3:30"  -> "three 30"
//	"7"     -> "seven"
//
// Only whole numbers from 0 to 12 are spelled out. Decimals such as "3.5"
// and larger numbers are left alone.
func Normalize(text string) string {
	text = currencyRe.ReplaceAllString(text, "$1 dollars")
	text = clockRe.ReplaceAllString(text, "$1 $2")

	var b strings.Builder
	last := 0
	for _, loc := range numberRe.FindAllStringIndex(text, -1) {
		tok := text[loc[0]:loc[1]]
		n, err := strconv.Atoi(tok)
		if err != nil || n >= len(smallNumbers) || tok != strconv.Itoa(n) ||
			isWordByte(text, loc[0]-1) || isWordByte(text, loc[1]) {
			continue
		}
		b.WriteString(text[last:loc[0]])
		b.WriteString(smallNumbers[n])
		last = loc[1]
	}
	if last == 0 {
		return text
	}
	b.WriteString(text[last:])
	return b.String()
}

// isWordByte reports whether text[i] exists and is a letter, digit or
// underscore.
func isWordByte(text string, i int) bool {
	if i < 0 || i >= len(text) {
		return false
	}
	c := text[i]
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

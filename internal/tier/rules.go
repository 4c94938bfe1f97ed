package tier

import "regexp"

// Rule is a pattern that marks a message as small talk.
type Rule struct {
	Name  string
	Regex *regexp.Regexp
}

// DefaultRules returns the built-in greeting patterns. They match at the
// start of the trimmed message only.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:  "greeting",
			Regex: regexp.MustCompile(`(?i)^(hi|hii|hello|hey|hey there|hi there|hlo|yo|hola|namaste)\b`),
		},
		{
			Name:  "checkin",
			Regex: regexp.MustCompile(`(?i)^(how are you|how r u|how's it going|sup|wassup|whats up)\b`),
		},
		{
			Name:  "time_of_day",
			Regex: regexp.MustCompile(`(?i)^good (morning|evening|night)\b`),
		},
	}
}

package modelcall

import "strings"

// Category classifies a backend error
type Category string

const (
	CategoryRateLimit      Category = "rate_limit"
	CategoryTimeout        Category = "timeout"
	CategoryNetwork        Category = "network"
	CategoryAuth           Category = "auth"
	CategoryInvalidRequest Category = "invalid_request"
	CategoryServerError    Category = "server_error"
	CategoryUnknown        Category = "unknown"
)

// Classification is the retry decision for one error
type Classification struct {
	Category  Category
	Retryable bool
}

// classRule is one taxonomy row; rules are evaluated in order and the first
// matching trigger wins.
type classRule struct {
	category  Category
	triggers  []string
	retryable bool
}

var classRules = []classRule{
	{CategoryRateLimit, []string{"rate limit", "too many requests", "429"}, true},
	{CategoryTimeout, []string{"timeout", "timed out", "etimedout"}, true},
	{CategoryNetwork, []string{"network", "econnrefused", "enotfound", "socket"}, true},
	{CategoryAuth, []string{"unauthorized", "invalid api key", "authentication", "401"}, false},
	{CategoryInvalidRequest, []string{"invalid", "bad request", "400"}, false},
	{CategoryServerError, []string{"500", "502", "503", "504", "server error"}, true},
}

// Classify maps an error to a category and retry decision by case-insensitive
// substring match on the message. Unmatched errors are unknown and retryable.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown, Retryable: false}
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range classRules {
		for _, trigger := range rule.triggers {
			if strings.Contains(msg, trigger) {
				return Classification{Category: rule.category, Retryable: rule.retryable}
			}
		}
	}

	return Classification{Category: CategoryUnknown, Retryable: true}
}

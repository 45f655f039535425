package redeem

import "github.com/hazyhaar/redeemcheck/redeem/internal/codes"

// ParseCodes splits free text into code entries on whitespace, commas,
// semicolons and pipes.
func ParseCodes(text string) []string {
	return codes.ParseText(text)
}

// ParseCodeFile extracts code entries from an uploaded file: every
// non-empty cell of a .csv or .xlsx file, free text otherwise.
func ParseCodeFile(name string, data []byte) ([]string, error) {
	return codes.ParseFile(name, data)
}

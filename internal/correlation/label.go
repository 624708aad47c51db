package correlation

import (
	"strconv"
	"strings"
)

// ParseLabel extracts the source ticket from a broker-side order label, if it
// follows the LabelPrefix convention. Returns ok=false for any label the
// bridge itself didn't originate (manual trades, other tools sharing the
// account).
func ParseLabel(label string) (ticket int64, ok bool) {
	if !strings.HasPrefix(label, LabelPrefix) {
		return 0, false
	}
	raw := strings.TrimPrefix(label, LabelPrefix)
	ticket, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return ticket, true
}

// MakeLabel builds the label a new replicated order should carry.
func MakeLabel(ticket int64) string {
	return LabelPrefix + strconv.FormatInt(ticket, 10)
}

package channel

import "fmt"

// ScheduleEntry is the wire and storage shape of one ScheduleEvent
// registration.
type ScheduleEntry struct {
	Target  string `json:"target"`
	Code    string `json:"code"`
	Instant int64  `json:"instant"`
}

// ScheduleKey returns the storage key an entry due at instant for target
// is filed under: the zero-padded epoch prefix lets the Schedule service
// enumerate and sort due entries with a lexical Keys() scan.
func ScheduleKey(instant int64, target string) string {
	return fmt.Sprintf("%020d/%s", instant, target)
}

// SubscriptionEntry is the persisted shape of one Subscribe registration.
type SubscriptionEntry struct {
	Event  string `json:"event"`
	Target string `json:"target"`
}

package domain

// CanonicalPair orders two user ids so the smaller one comes first.
// Every read or write of a MeetingState goes through it.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

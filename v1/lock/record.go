package lock

import "github.com/google/uuid"

// Record is one entry of the manager's table: an identifier paired with
// its current state. Token identifies the claim that published the record.
type Record struct {
	Identifier string
	State      State
	Token      string
}

func newClaim(identifier string) *Record {
	return &Record{
		Identifier: identifier,
		State:      StateLocked,
		Token:      uuid.NewString(),
	}
}

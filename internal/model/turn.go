package model

// TurnCommit is everything one inbound turn changes, persisted atomically.
// When Insert is false the session row is updated only if its stored version
// still equals Session.Version.
type TurnCommit struct {
	Session   Session
	Insert    bool
	Responses []Response
	ContactID string
	Language  *string
}

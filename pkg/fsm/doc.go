// Package fsm derives the authoritative race status from the signal ledger.
//
// The state is never mutated on its own: it is a pure fold over the ordered
// signal history of one race key, so it can always be rebuilt by replaying
// the ledger from sequence zero, and the cached copy is safe to throw away.
//
// # Status transitions
//
//	idle ---warning---> warning ---preparatory---> preparatory
//	                                                   |
//	                  one_minute <---one_minute--------+
//	                      |
//	                      +---start---> racing ---finish---> finished
//
// From any pre-start phase (warning, preparatory, one_minute):
//
//	general_recall --> idle       sequence restarts from scratch
//	postponement   --> postponed  awaiting a fresh sequence
//	abandonment    --> abandoned  terminal for this race number
//
// From racing, individual_recall and shortened_course change only the flags,
// general_recall returns to idle, abandonment abandons. postponed and
// abandoned accept a later warning, which begins a new sequence.
//
// Apply is a total function: any (status, kind) pair not listed above leaves
// the status unchanged while still advancing the signal cursor, which is what
// absorbs a scheduled firing that was already in flight when its sequence was
// cancelled.
//
// # Active flags
//
// ActiveFlags models the halyard state on the committee vessel: warning
// resets the hoist to the class flag, preparatory adds its flag, one_minute
// lowers the preparatory flag, start lowers everything. Overrides replace or
// add their own flags (AP, N, First Substitute, X, S).
package fsm

// Package sequence drives the standard starting sequence for a race key:
// warning immediately, then preparatory, one-minute and start at their
// computed absolute instants.
//
// The timer never talks to subscribers. Each firing is nothing but a ledger
// append with source=scheduled, so "the timer fired" always leaves a durable,
// replayable fact, and state derivation and fan-out happen on the one path
// every signal takes.
//
// Every plan is persisted before its first firing. On process restart,
// Recover reloads the plans, appends any firings whose instant has already
// passed (stamped with the scheduled instant, in order) and resumes live
// timers for the rest. That is what makes a committee boat rebooting its
// server mid-sequence safe: the five-minute gun can be late in the ledger,
// never missing, never doubled.
package sequence

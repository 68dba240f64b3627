// Package dispatch executes one campaign send from the draft claim to a
// terminal status.
//
// A dispatch is sequential by design: the channel represents one
// authenticated device session, and bursty parallel fan-out risks provider
// throttling or an outright ban. Pacing between messages is enforced with a
// rate limiter whose first token is immediately available, so only gaps
// between consecutive sends are delayed.
//
// Fault model
//
// A failed send is a per-recipient fact: it is recorded on that message
// record, counted, and the loop moves on. A store failure mid-loop is an
// engine fault: the campaign is marked failed, unattempted records stay
// pending, and the loop aborts. Only one dispatch is in flight at a time.
package dispatch

// Package notify composes and delivers the messages automation jobs send.
//
// # Content
//
// A Template is parsed once from a Spec and rendered with named Slots into a
// transport-independent Content (subject plus body). Missing slots are an
// error, never an empty string in a reminder.
//
// # Delivery
//
// The Dispatcher routes each Message to the Sender registered for its address
// channel (email, telegram, log). Sends are rate limited with a token bucket and
// remembered per address in the store's dedup table, so a retried job does not
// re-send to addresses that already succeeded.
//
// Delivery is synchronous: durability and retries belong to the job queue.
package notify

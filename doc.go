// Package outbox provides a persistent outbound message queue for chat clients.
//
// Typical flow:
//  1. Open an Outbox for one conversation with a Sender (the transport) and an optional Storage.
//  2. Run the delivery loop in a goroutine and feed it connectivity changes.
//  3. Enqueue user-authored messages; the Outbox persists them and delivers them in insertion order.
//  4. On failure an item is rescheduled with exponential backoff; once its attempt budget is spent it is dropped
//     and reported through the permanent failure callback.
//
// Enqueue coalesces by client id and by idempotency key, so resubmitting the same logical message never
// produces a second queued item. For storage backends see the mysql, postgres, redis and pebble packages.
package outbox

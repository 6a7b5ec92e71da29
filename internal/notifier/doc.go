// Package notifier delivers operator notifications.
//
// Messages are queued and sent by a small worker pool through a Sender
// (Telegram in production). Sends are rate limited, retried with jittered
// backoff and de-duplicated over a short window. The Service is a lifecycle
// component of kind notification-system; it also serves as the workflow
// Notifier capability and as the logger's alert sink.
package notifier

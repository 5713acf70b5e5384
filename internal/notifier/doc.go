// Package notifier delivers push notifications through a gateway.
//
// # Gateways
//
// A Gateway sends one Payload and returns the gateway's acknowledgement.
// Two drivers exist: Bark (HTTP POST to {bark_url}/{device_key}) and
// Telegram (bot API through telebot).
//
// # Delivery policy
//
// Service.Deliver applies a token-bucket rate limit, a per-attempt timeout
// and exponential backoff retries for transient failures. Invalid payloads
// and 4xx-class gateway answers are permanent and never retried.
//
// # History
//
// Every final outcome is kept in a small in-memory ring and, when a store
// is configured, appended to the delivery audit log.
package notifier

// Package realtime owns the WebSocket connection of one chat conversation.
//
// A Session dials ws[s]://host/api/v1/ws/{chatId}?token=..., decodes inbound
// JSON frames, sends message and typing frames, and reconnects after a close
// with a linear backoff (attempt × ReconnectDelay) until
// MaxReconnectAttempts consecutive closes without a successful open, after
// which it is Abandoned. Disconnect is terminal and cancels any pending
// reconnect.
//
// Events reach the caller's Handlers through a bounded queue drained by one
// dispatcher goroutine per session, so handlers observe events in the order
// they happened and a slow handler throttles the read loop.
package realtime

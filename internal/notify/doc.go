// Package notify delivers device alerts to users.
//
// The telemetry pipeline raises alerts when devices report errors or drop
// offline. Delivery is best-effort and never blocks message processing.
// The default LogNotifier records alerts in the structured log; real
// channels (email, push) plug in behind the Notifier interface.
package notify

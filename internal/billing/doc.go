// Package billing resolves subscription plans and their entitlements.
//
// Relay Core consults billing in exactly one enforcement path: the device
// limit applied when a user registers a new device. The repository joins
// user_subscriptions to subscription_plans and exposes the limit through
// the auth.PlanSource interface.
//
// Users without an active subscription are not an error: MaxDevices
// returns (0, nil) and the permission evaluator substitutes the configured
// default limit.
package billing

// Package auth provides authentication and authorisation for Relay Core.
//
// It implements a 3-tier account role model (viewer → user → admin) plus an
// internal system identity for bus-originated operations, with:
//   - Argon2id password hashing (OWASP 2025 recommendation)
//   - Short-lived JWT access tokens (signature-only validation, no DB hit)
//   - A closed capability enumeration checked by the Evaluator
//   - Device ownership enforcement and subscription plan limits
//
// Authorisation uses a "deny unless granted" model: the Evaluator recognises
// only the declared capabilities and explicit role rules. Admins bypass
// ownership and plan limits; the system identity holds device capabilities
// but never admin ones.
package auth

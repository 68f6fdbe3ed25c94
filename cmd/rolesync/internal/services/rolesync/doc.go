// Package rolesync exposes the role synchronization layer to the payment-order
// application and to operators.
//
// The Service facade centralizes:
//
//   - Role resolution for authorization checks (never fails)
//   - Sync operations: trigger, inspect, resolve conflicts by hand
//   - Circuit breaker health and administrative overrides
//   - Rollback of a cache write made by a sync operation
//
// Request Flow:
//
//	Authorization check → Service.ResolveRole → resolver (cache | IdP fallback)
//	Operator / scheduler → Service.TriggerSync → reconcile engine queue → worker
//
// The composition root (the serve command) builds one Service from its
// dependencies; there is no package-level state.
package rolesync

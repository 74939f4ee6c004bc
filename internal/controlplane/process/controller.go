package process

import "context"

// Status reports the non-fatal outcome of a controller operation. Callers
// in the reconciler and renewal path must not be blocked by manager-level
// inconsistency, so "no such registration" and "already in that state" are
// statuses, not errors. Errors are reserved for transport failures against
// the control plane (timeouts, unreachable manager).
type Status string

const (
	// StatusApplied means the operation took effect.
	StatusApplied Status = "applied"
	// StatusUnchanged means the process was already in the target state.
	StatusUnchanged Status = "unchanged"
	// StatusNotRegistered means no registration exists for the tenant.
	StatusNotRegistered Status = "not_registered"
)

// Registration describes one tenant's runnable unit. It is derivable from
// the tenant record at any time; registering an already-registered tenant
// replaces the previous registration.
type Registration struct {
	TenantID string
	// Command is the worker entrypoint executed inside the workspace.
	Command string
	// Dir is the tenant's isolated workspace, used as working directory.
	Dir string
	// Env carries only this tenant's credential, admin ids, and tenant id.
	// No cross-tenant data ever goes here.
	Env map[string]string
}

// Controller abstracts the external process manager running tenant workers.
// Implementations exist for supervisord and for a container runtime; the
// lifecycle logic never shells out or talks to a daemon directly, so it is
// testable against a fake satisfying the same capability set.
type Controller interface {
	// Register creates (or replaces) the tenant's runnable unit with a
	// crash-restart policy and per-tenant logs. It does not start it.
	Register(ctx context.Context, reg Registration) error
	// Deregister removes the tenant's runnable unit, stopping it first.
	// Removing an unknown registration is not an error.
	Deregister(ctx context.Context, tenantID string) error

	Start(ctx context.Context, tenantID string) (Status, error)
	Stop(ctx context.Context, tenantID string) (Status, error)
	Restart(ctx context.Context, tenantID string) (Status, error)
	// Running reports whether the tenant's worker is currently up. An
	// unknown registration reports false without error.
	Running(ctx context.Context, tenantID string) (bool, error)
	// ReloadRegistration makes the manager pick up a changed runtime
	// configuration. Must be called before Start whenever the tenant's
	// config changed after registration.
	ReloadRegistration(ctx context.Context, tenantID string) (Status, error)
}

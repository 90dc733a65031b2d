// Package adapter defines the contract between the device runtime and vendor
// integrations.
//
// An adapter drives one family of access-control hardware (face terminals,
// card readers, ANPR cameras, NVRs) through a vendor protocol and maps the
// vendor's status, event and log shapes onto the canonical types declared
// here. The registry refuses adapters whose Descriptor fails
// ValidateDescriptor.
//
// # Results instead of errors
//
// Connect returns a ConnectionResult and ExecuteCommand a CommandResult. Both
// carry Success=false and an Error message for expected failures such as an
// unreachable device or a rejected command, so that callers can act on them
// without treating them as operational faults of the adapter itself.
//
// # Health
//
// GetHealth is called by the lifecycle manager on every sweep. Adapters keep
// a CommandStats and build their report with DeriveHealth, which applies
// the shared error-rate and connectivity thresholds.
//
// # Subscriptions
//
// A Subscription owns a cancellation context. Adapters stop delivering
// events once the subscription's Done channel is closed; delivery is a direct
// call into the EventCallback without buffering or retry.
package adapter

// SPDX-License-Identifier: Apache-2.0

package errutil

// Error taxonomy codes, passed to oops.Code(...) at the boundaries that
// originate them: the bus transport and subscription layer, the plugin
// policy enforcer, and the plugin adapter's panic recovery. AssertErrorCode
// is the test-side counterpart.
const (
	// CodeTransportError marks a bus call that could not be issued or
	// dispatched.
	CodeTransportError = "TRANSPORT_ERROR"
	// CodeTimeout marks a call or checkFirstResponse subscribe that got no
	// reply within its budget.
	CodeTimeout = "TIMEOUT"
	// CodeSchemaError marks a request or reply payload that failed schema
	// validation, or that wasn't valid structured data in the first place.
	CodeSchemaError = "SCHEMA_ERROR"
	// CodePolicyError marks a plugin subscribing outside its declared
	// required_services, registering a method another plugin owns, or an
	// otherwise malformed manifest policy.
	CodePolicyError = "POLICY_ERROR"
	// CodePluginException marks a failure escaping plugin code (a panic
	// recovered by the adapter).
	CodePluginException = "PLUGIN_EXCEPTION"
	// CodeFatal marks an unrecoverable failure that terminates the process.
	CodeFatal = "FATAL"
)

// Package apperr defines the error taxonomy shared by the delivery core.
//
// Every error that crosses a component boundary towards a client carries a
// Code. The transport layer maps codes onto ERROR frames, and callers decide
// whether to retry by asking IsRetryable:
//
//   - CodeValidation: bad input, rejected and never retried automatically
//   - CodeLockUnavailable: the conversation lock could not be acquired in time;
//     no partial state was written, retry immediately
//   - CodeAuthentication: bad credential or failed decryption
//   - CodeUnavailable: the coordination store could not be reached
//
// Package-level sentinel errors stay in their own packages and are wrapped as
// the Cause, so errors.Is keeps working through an *Error.
package apperr

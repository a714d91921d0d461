package mailsink

import "fmt"

// SMTPCode represents SMTP reply codes (RFC 5321).
// 2yz: Success, 3yz: Continue, 4yz: Transient failure, 5yz: Permanent failure.
type SMTPCode int

const (
	// 2xx - Success
	CodeHelpMessage    SMTPCode = 214
	CodeServiceReady   SMTPCode = 220
	CodeServiceClosing SMTPCode = 221
	CodeAuthSuccess    SMTPCode = 235
	CodeOK             SMTPCode = 250

	// 3xx - Intermediate
	CodeAuthContinue   SMTPCode = 334
	CodeStartMailInput SMTPCode = 354

	// 4xx - Transient Failure
	CodeServiceUnavailable  SMTPCode = 421
	CodeMailboxUnavailable  SMTPCode = 450
	CodeLocalError          SMTPCode = 451
	CodeInsufficientStorage SMTPCode = 452
	CodeTLSNotAvailable     SMTPCode = 454

	// 5xx - Permanent Failure
	CodeCommandUnrecognized    SMTPCode = 500
	CodeSyntaxError            SMTPCode = 501
	CodeCommandNotImplemented  SMTPCode = 502
	CodeBadSequence            SMTPCode = 503
	CodeParameterNotImpl       SMTPCode = 504
	CodeAuthRequired           SMTPCode = 530
	CodeAuthCredentialsInvalid SMTPCode = 535
	CodeMailboxNotFound        SMTPCode = 550
	CodeExceededStorage        SMTPCode = 552
	CodeMailboxNameInvalid     SMTPCode = 553
	CodeTransactionFailed      SMTPCode = 554
)

// EnhancedCode represents an enhanced status code (RFC 3463, RFC 2034).
// Format: "class.subject.detail" (e.g., "2.1.5").
type EnhancedCode string

const (
	ESCSecuritySuccess EnhancedCode = "2.7.0"

	ESCTempLocalError        EnhancedCode = "4.3.0"
	ESCTempNetworkError      EnhancedCode = "4.4.2"
	ESCTempTooManyRecipients EnhancedCode = "4.5.3"
	ESCTempAuthFailed        EnhancedCode = "4.7.0"

	ESCPermFailure            EnhancedCode = "5.0.0"
	ESCBadDestMailbox         EnhancedCode = "5.1.1"
	ESCMailSystemFull         EnhancedCode = "5.3.4"
	ESCBadCommandSequence     EnhancedCode = "5.5.1"
	ESCSyntaxError            EnhancedCode = "5.5.2"
	ESCSecurityError          EnhancedCode = "5.7.0"
	ESCDeliveryNotAuth        EnhancedCode = "5.7.1"
	ESCAuthCredentialsInvalid EnhancedCode = "5.7.8"
)

// String returns the enhanced code as a string.
func (e EnhancedCode) String() string {
	return string(e)
}

// Response represents an SMTP response to be sent to the client.
type Response struct {
	Code         SMTPCode
	EnhancedCode string
	Message      string
}

// String formats the response as an SMTP reply line.
func (r Response) String() string {
	if r.EnhancedCode != "" {
		return fmt.Sprintf("%d %s %s", r.Code, r.EnhancedCode, r.Message)
	}
	return fmt.Sprintf("%d %s", r.Code, r.Message)
}

// IsError returns true for 4xx or 5xx codes.
func (r Response) IsError() bool {
	return r.Code >= 400
}

// IsSuccess returns true for 2xx codes.
func (r Response) IsSuccess() bool {
	return r.Code >= 200 && r.Code < 300
}

// IsIntermediate returns true for 3xx codes.
func (r Response) IsIntermediate() bool {
	return r.Code >= 300 && r.Code < 400
}

// IsTransientError returns true for 4xx codes.
func (r Response) IsTransientError() bool {
	return r.Code >= 400 && r.Code < 500
}

// ToError converts an error response to a *RejectError.
func (r Response) ToError() error {
	if !r.IsError() {
		return nil
	}
	return r.rejectWith(nil)
}

// rejectWith is ToError with cause attached for errors.Is.
func (r Response) rejectWith(cause error) *RejectError {
	return &RejectError{Code: r.Code, EnhancedCode: EnhancedCode(r.EnhancedCode), Message: r.Message, Err: cause}
}

// Fixed replies.
var (
	respOK = Response{Code: CodeOK, Message: "Ok"}

	respBadSyntax       = Response{Code: CodeCommandUnrecognized, EnhancedCode: string(ESCSyntaxError), Message: "Error: bad syntax"}
	respNotImplemented  = Response{Code: CodeCommandUnrecognized, EnhancedCode: string(ESCBadCommandSequence), Message: "Error: command not implemented"}
	respNeedHelo        = Response{Code: CodeBadSequence, EnhancedCode: string(ESCBadCommandSequence), Message: "Error: send HELO/EHLO first"}
	respNeedMail        = Response{Code: CodeBadSequence, EnhancedCode: string(ESCBadCommandSequence), Message: "Error: need MAIL command"}
	respNeedRcpt        = Response{Code: CodeBadSequence, EnhancedCode: string(ESCBadCommandSequence), Message: "Error: need RCPT command"}
	respSenderSpecified = Response{Code: CodeBadSequence, EnhancedCode: string(ESCBadCommandSequence), Message: "Sender already specified."}
	respTooLarge        = Response{Code: CodeExceededStorage, EnhancedCode: string(ESCMailSystemFull), Message: "Message size exceeds fixed limit"}
	respTooManyRcpts    = Response{Code: CodeInsufficientStorage, EnhancedCode: string(ESCTempTooManyRecipients), Message: "Too many recipients"}
	respStartData       = Response{Code: CodeStartMailInput, Message: "End data with <CR><LF>.<CR><LF>"}
	respDeliveryFailed  = Response{Code: CodeLocalError, EnhancedCode: string(ESCTempLocalError), Message: "Error: could not process message"}

	respTLSRequired  = Response{Code: CodeAuthRequired, EnhancedCode: string(ESCSecurityError), Message: "Must issue a STARTTLS command first"}
	respAuthRequired = Response{Code: CodeAuthRequired, EnhancedCode: string(ESCSecurityError), Message: "Authentication required"}

	respAuthSuccess       = Response{Code: CodeAuthSuccess, EnhancedCode: string(ESCSecuritySuccess), Message: "Authentication successful."}
	respAuthAlready       = Response{Code: CodeBadSequence, EnhancedCode: string(ESCBadCommandSequence), Message: "Refusing any other AUTH command."}
	respAuthUnsupported   = Response{Code: CodeCommandNotImplemented, Message: "Authentication not supported"}
	respAuthSyntax        = Response{Code: CodeSyntaxError, Message: "Syntax: AUTH mechanism [initial-response]"}
	respAuthMechanism     = Response{Code: CodeParameterNotImpl, Message: "The requested authentication mechanism is not supported"}
	respAuthInvalid       = Response{Code: CodeAuthCredentialsInvalid, EnhancedCode: string(ESCAuthCredentialsInvalid), Message: "Authentication credentials invalid"}
	respAuthCanceled      = Response{Code: CodeSyntaxError, Message: "Authentication canceled by client."}
	respAuthBadEncoding   = Response{Code: CodeSyntaxError, EnhancedCode: string(ESCSyntaxError), Message: "Invalid authentication data"}
	respAuthTempFailure   = Response{Code: CodeTLSNotAvailable, EnhancedCode: string(ESCTempAuthFailed), Message: "Temporary authentication failure"}
	respStartTLSSyntax    = Response{Code: CodeSyntaxError, Message: "Syntax error (no parameters allowed)"}
	respTLSNotSupported   = Response{Code: CodeTLSNotAvailable, Message: "TLS not supported"}
	respTLSAlreadyActive  = Response{Code: CodeTLSNotAvailable, Message: "TLS not available due to temporary reason: TLS already active"}
	respReadyToStartTLS   = Response{Code: CodeServiceReady, Message: "Ready to start TLS"}
	respVrfyDisabled      = Response{Code: CodeCommandNotImplemented, Message: "VRFY command is disabled"}
	respExpnDisabled      = Response{Code: CodeCommandNotImplemented, Message: "EXPN command is disabled"}
	respBye               = Response{Code: CodeServiceClosing, Message: "Bye"}
	respTimeout           = Response{Code: CodeServiceUnavailable, EnhancedCode: string(ESCTempNetworkError), Message: "Timeout waiting for data from client."}
	respLineTooLong       = Response{Code: CodeSyntaxError, EnhancedCode: string(ESCSyntaxError), Message: "Input line length is too long!"}
	respTooManyConnection = Response{Code: CodeServiceUnavailable, Message: "Too many connections, try again later"}
)

func responseBadLineEnding(position int) Response {
	return Response{
		Code:    CodeSyntaxError,
		Message: fmt.Sprintf("Syntax error at character position %d. CR and LF must be CRLF paired.  See RFC 2821 #2.7.1.", position),
	}
}

func responseShuttingDown(hostname string) Response {
	return Response{
		Code:         CodeServiceUnavailable,
		EnhancedCode: string(ESCTempLocalError),
		Message:      hostname + " Service shutting down",
	}
}

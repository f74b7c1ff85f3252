package types

// Business error codes shared by the REST error envelope and the stream
// Error frames. The HTTP status mapping lives in the server package.
const (
	CodeOK             = 0
	CodeInvalidParam   = 1001
	CodeAuthFailed     = 1002
	CodeSessionMissing = 1003
	CodeSessionExpired = 1004
	CodeSTTError       = 2001
	CodeLLMError       = 2002
	CodeTimeout        = 2003
	CodeRateLimit      = 3001
	CodeQuotaExceeded  = 3002
	CodeInternal       = 5000

	// CodeLLMTurnError marks a recoverable LLM failure inside one streaming
	// turn; the stream itself continues and the next sentence retries.
	CodeLLMTurnError = 5001
)

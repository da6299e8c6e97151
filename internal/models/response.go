package models

// APIResponse is a generic API response wrapper
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	// Code is a stable machine-readable hint for clients, e.g. "retry_later".
	Code   string      `json:"code,omitempty"`
	Errors interface{} `json:"errors,omitempty"`
}

// NewSuccessResponse creates a success response
func NewSuccessResponse(data interface{}) APIResponse {
	return APIResponse{
		Success: true,
		Data:    data,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(message string) APIResponse {
	return APIResponse{
		Success: false,
		Error:   message,
	}
}

// NewCodedErrorResponse creates an error response carrying a client hint code.
func NewCodedErrorResponse(code, message string) APIResponse {
	return APIResponse{
		Success: false,
		Error:   message,
		Code:    code,
	}
}

// NewValidationErrorResponse creates a validation error response
func NewValidationErrorResponse(errors map[string]string) APIResponse {
	return APIResponse{
		Success: false,
		Error:   "Validation failed",
		Errors:  errors,
	}
}

// LivenessResult is returned after a liveness submission is processed.
type LivenessResult struct {
	Accepted   bool              `json:"accepted"`
	State      VerificationState `json:"state"`
	SessionID  string            `json:"session_id"`
	TrustScore int               `json:"trust_score"`
	Reason     string            `json:"reason,omitempty"`
}

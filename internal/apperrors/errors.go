package apperrors

import "fmt"

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Kind buckets an error into the client-facing taxonomy.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindAuth       Kind = "auth"
	KindValidation Kind = "validation"
	KindServer     Kind = "server"
	KindTimeout    Kind = "timeout"
	KindNotFound   Kind = "not_found"
)

type AppError struct {
	Code        string
	Kind        Kind
	Message     string
	UserMessage string
	Severity    Severity
	Retryable   bool
	cause       error
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}

	return e.Message
}

func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.cause
}

func (e *AppError) Cause() error {
	return e.Unwrap()
}

func NewNetworkError(cause error) *AppError {
	var underlyingMsg string
	if cause != nil {
		underlyingMsg = cause.Error()
	}

	return &AppError{
		Code:        "E100",
		Kind:        KindNetwork,
		Message:     fmt.Sprintf("network error: %s", underlyingMsg),
		UserMessage: "Problema de conexión, inténtalo de nuevo",
		Severity:    SeverityMedium,
		Retryable:   true,
		cause:       cause,
	}
}

func NewAuthError(cause error) *AppError {
	return &AppError{
		Code:        "E200",
		Kind:        KindAuth,
		Message:     "session invalid or expired",
		UserMessage: "Tu sesión ha expirado, inicia sesión de nuevo",
		Severity:    SeverityMedium,
		Retryable:   false,
		cause:       cause,
	}
}

func NewValidationError(msg string) *AppError {
	return &AppError{
		Code:        "E300",
		Kind:        KindValidation,
		Message:     msg,
		UserMessage: msg,
		Severity:    SeverityLow,
		Retryable:   false,
		cause:       nil,
	}
}

func NewServerError(procedure string, cause error) *AppError {
	return &AppError{
		Code:        "E400",
		Kind:        KindServer,
		Message:     fmt.Sprintf("remote procedure failed: %s", procedure),
		UserMessage: "El servicio no está disponible en este momento",
		Severity:    SeverityHigh,
		Retryable:   false,
		cause:       cause,
	}
}

func NewTimeoutError(operation string) *AppError {
	return &AppError{
		Code:        "E500",
		Kind:        KindTimeout,
		Message:     fmt.Sprintf("operation timed out: %s", operation),
		UserMessage: "La actualización tardó demasiado, mostrando datos guardados",
		Severity:    SeverityMedium,
		Retryable:   true,
		cause:       nil,
	}
}

func NewNotFoundError(principalID string) *AppError {
	return &AppError{
		Code:        "E600",
		Kind:        KindNotFound,
		Message:     fmt.Sprintf("principal not found: %s", principalID),
		UserMessage: "Usuario no encontrado",
		Severity:    SeverityHigh,
		Retryable:   false,
		cause:       nil,
	}
}

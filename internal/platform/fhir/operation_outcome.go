package fhir

// OperationOutcome severity levels as defined by FHIR R4.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes as defined by FHIR R4.
const (
	IssueTypeInvalid         = "invalid"
	IssueTypeRequired        = "required"
	IssueTypeNotFound        = "not-found"
	IssueTypeConflict        = "conflict"
	IssueTypeMultipleMatches = "multiple-matches"
	IssueTypeProcessing      = "processing"
	IssueTypeSecurity        = "security"
	IssueTypeLogin           = "login"
	IssueTypeForbidden       = "forbidden"
	IssueTypeThrottled       = "throttled"
	IssueTypeNotSupported    = "not-supported"
	IssueTypeException       = "exception"
	IssueTypeTimeout         = "timeout"
	IssueTypeTransient       = "transient"
)

var validSeverities = map[string]bool{
	IssueSeverityFatal:       true,
	IssueSeverityError:       true,
	IssueSeverityWarning:     true,
	IssueSeverityInformation: true,
}

// IsValidSeverity checks whether a severity string is a valid FHIR issue severity.
func IsValidSeverity(s string) bool {
	return validSeverities[s]
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// Text returns the details text of the first issue.
func (o *OperationOutcome) Text() string {
	if len(o.Issue) == 0 {
		return ""
	}
	if d := o.Issue[0].Details; d != nil && d.Text != "" {
		return d.Text
	}
	return o.Issue[0].Diagnostics
}

// RequiredFieldOutcome creates an OperationOutcome for a missing required field.
func RequiredFieldOutcome(field, text string) *OperationOutcome {
	oo := NewOperationOutcome(IssueSeverityError, IssueTypeRequired, text)
	oo.Issue[0].Expression = []string{field}
	return oo
}

// InvalidOutcome creates an OperationOutcome for a structurally invalid request.
func InvalidOutcome(text string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, text)
}

// LoginOutcome is returned when the bearer credential is missing or rejected.
func LoginOutcome(text string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeLogin, text)
}

// ForbiddenOutcome is returned when consent does not permit the access.
func ForbiddenOutcome(text string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeForbidden, text)
}

// MultipleMatchesOutcome is returned when an identifier resolves to more than
// one patient.
func MultipleMatchesOutcome(text string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeMultipleMatches, text)
}

// TimeoutOutcome is returned when the record store did not answer in time.
func TimeoutOutcome(text string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeTimeout, text)
}

// ThrottleOutcome creates a 429-style OperationOutcome.
func ThrottleOutcome() *OperationOutcome {
	return NewOperationOutcome(
		IssueSeverityError,
		IssueTypeThrottled,
		"Rate limit exceeded. Please retry after a delay.",
	)
}

// InternalErrorOutcome creates an OperationOutcome for internal server errors.
func InternalErrorOutcome(text string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityFatal, IssueTypeException, text)
}

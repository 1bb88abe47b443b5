package tools

import "fmt"

// ErrUnknownTool is returned when a tool call names a tool that is not
// present in the request's registry. The call is rejected without
// executing anything; the model is informed through its tool result.
type ErrUnknownTool struct {
	Name string
}

// Error implements the error interface. The message is part of the
// tool-result contract seen by the model, keep it stable.
func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("Unknown tool: %s", e.Name)
}

// ErrUnresolvedPlaceholder is returned when a tool call's serialized
// arguments still contain a template placeholder token. The model
// forwarded a literal template variable instead of a resolved value;
// executing would act on garbage, so the call is rejected up front.
type ErrUnresolvedPlaceholder struct {
	Token string
}

// Error implements the error interface.
func (e *ErrUnresolvedPlaceholder) Error() string {
	return fmt.Sprintf("arguments contain unresolved template placeholder %s", e.Token)
}

// Package skerr provides error wrapping with call stack context.
//
// Errors returned across package boundaries should be wrapped with Wrap,
// Wrapf, or created with Fmt so that the original call site is preserved in
// logs.
package skerr

import (
	"fmt"
	"runtime"
	"strings"
)

// StackTrace identifies a filename (base filename only) and line number.
type StackTrace struct {
	File string
	Line int
}

// String returns the file and line number joined by a colon.
func (st *StackTrace) String() string {
	return fmt.Sprintf("%s:%d", st.File, st.Line)
}

// CallStack returns a slice of StackTrace representing the current stack
// trace. The lines returned start at the depth specified by startAt: 0 means
// the call to CallStack, 1 means CallStack's caller, and so on. height means
// the number of lines to include, limited by the stack height; 0 means
// unlimited.
func CallStack(height int, startAt int) []StackTrace {
	stack := []StackTrace{}
	for i := startAt; height <= 0 || i < startAt+height; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		parts := strings.Split(file, "/")
		file = parts[len(parts)-1]
		stack = append(stack, StackTrace{File: file, Line: line})
	}
	return stack
}

// ErrorWithContext is an error plus the stack of the call site that wrapped
// it and any additional context messages added along the way.
type ErrorWithContext struct {
	// Wrapped is the original error.
	Wrapped error
	// CallStack captured when the error was first wrapped. The first
	// element is the line that called Wrap/Wrapf/Fmt.
	CallStack []StackTrace
	// Context contains additional messages, most recent first.
	Context []string
}

// Error implements the error interface.
func (err *ErrorWithContext) Error() string {
	var sb strings.Builder
	for _, c := range err.Context {
		sb.WriteString(c)
		sb.WriteString(": ")
	}
	if err.Wrapped != nil {
		sb.WriteString(err.Wrapped.Error())
	}
	if len(err.CallStack) > 0 {
		stack := make([]string, 0, len(err.CallStack))
		for i := range err.CallStack {
			stack = append(stack, err.CallStack[i].String())
		}
		sb.WriteString(" At ")
		sb.WriteString(strings.Join(stack, " "))
	}
	return sb.String()
}

// Unwrap returns the original error if err is an ErrorWithContext, otherwise
// err itself. Intended for checking against sentinel errors.
func Unwrap(err error) error {
	if wrapper, ok := err.(*ErrorWithContext); ok {
		return Unwrap(wrapper.Wrapped)
	}
	return err
}

// Fmt creates an error with a formatted message and the current stack.
func Fmt(fmtStr string, args ...interface{}) error {
	return &ErrorWithContext{
		Wrapped:   fmt.Errorf(fmtStr, args...),
		CallStack: CallStack(0, 2),
	}
}

// Wrap adds the current stack to err. If err is already wrapped, it is
// returned as-is so that the original call site is preserved.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*ErrorWithContext); ok {
		return err
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: CallStack(0, 2),
	}
}

// Wrapf adds the current stack and a formatted context message to err.
func Wrapf(err error, fmtStr string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	context := fmt.Sprintf(fmtStr, args...)
	if wrapper, ok := err.(*ErrorWithContext); ok {
		return &ErrorWithContext{
			Wrapped:   wrapper.Wrapped,
			CallStack: wrapper.CallStack,
			Context:   append([]string{context}, wrapper.Context...),
		}
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: CallStack(0, 2),
		Context:   []string{context},
	}
}

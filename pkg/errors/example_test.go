package errors_test

import (
	"fmt"
	"io"

	"github.com/ajitpratap0/rowpipe/pkg/errors"
)

// Example demonstrates basic error creation with details.
func Example() {
	err := errors.New(errors.ErrorTypeData, "value is outside the enum domain").
		WithDetail("column", "status").
		WithDetail("value", "archived")

	fmt.Println(err.Error())

	// Output:
	// data: value is outside the enum domain
}

// ExampleWrap shows how to wrap a transport error with context.
func ExampleWrap() {
	err := errors.Wrap(io.ErrUnexpectedEOF, errors.ErrorTypeConnection, "failed to send RowBinary body").
		WithDetail("table", "events")

	if errors.IsType(err, errors.ErrorTypeConnection) {
		fmt.Println("connection error")
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		fmt.Println("caused by unexpected EOF")
	}

	// Output:
	// connection error
	// caused by unexpected EOF
}

// ExampleIsRetryable shows which error types the sink retries.
func ExampleIsRetryable() {
	timeout := errors.New(errors.ErrorTypeTimeout, "insert timed out")
	badType := errors.New(errors.ErrorTypeConfig, "fixedstring length is not a number")

	fmt.Println(errors.IsRetryable(timeout))
	fmt.Println(errors.IsRetryable(badType))

	// Output:
	// true
	// false
}

// Example_errorChain shows nested context in the message.
func Example_errorChain() {
	err := errors.Wrap(
		errors.New(errors.ErrorTypeShutdown, "worker pool is shut down"),
		errors.ErrorTypeInternal, "batch encoding failed")

	fmt.Println(err)

	// Output:
	// internal: batch encoding failed: shutdown: worker pool is shut down
}

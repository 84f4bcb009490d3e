// Package maybe holds optional values, such as the last reading of a counter
// that has not reported since start.
package maybe

import "fmt"

// Maybe is a value that may be missing. The zero value is None.
type Maybe[T any] struct {
	value T
	valid bool
}

func Some[T any](value T) Maybe[T] {
	return Maybe[T]{value: value, valid: true}
}

func None[T any]() Maybe[T] {
	return Maybe[T]{}
}

func (m Maybe[T]) IsValid() bool {
	return m.valid
}

// Value is the zero value of T for None.
func (m Maybe[T]) Value() T {
	return m.value
}

func (m Maybe[T]) Get() (T, bool) {
	return m.value, m.valid
}

// String renders None as "none" so a missing baseline reads well in logs.
func (m Maybe[T]) String() string {
	if !m.valid {
		return "none"
	}
	return fmt.Sprint(m.value)
}

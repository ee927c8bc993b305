package models

// SignalKey identifies a signal. Both the plain SignalID string and the
// typed Signal wrapper resolve to the same runtime string key; the wrapper
// only adds a payload type for compile-time safety at call sites.
type SignalKey interface {
	SignalName() string
}

type SignalID string

func (s SignalID) SignalName() string { return string(s) }

type Signal[T any] struct {
	Name string
}

func NewSignal[T any](name string) Signal[T] {
	return Signal[T]{Name: name}
}

func (s Signal[T]) SignalName() string { return s.Name }

// Package fault defines the four fatal error kinds of a parallel potential
// evaluation. None of them is recoverable inside a step: the evaluator stops,
// and the diagnostic carries the kind, rank, step and layer.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a fatal evaluation error.
type Kind uint8

const (
	// KindConfiguration covers model/segment mismatches and unknown species.
	KindConfiguration Kind = iota + 1
	// KindDomainSizing covers subdomains narrower than a layer's communication range.
	KindDomainSizing
	// KindCommunication covers length mismatches and transport failures.
	KindCommunication
	// KindNumerical covers non-finite energies, forces or displacements.
	KindNumerical
)

// Kind sentinels, matched with errors.Is.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrDomainSizing  = errors.New("domain sizing error")
	ErrCommunication = errors.New("communication error")
	ErrNumerical     = errors.New("numerical error")
)

func (k Kind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindDomainSizing:
		return ErrDomainSizing
	case KindCommunication:
		return ErrCommunication
	case KindNumerical:
		return ErrNumerical
	default:
		return nil
	}
}

func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return "unknown error"
}

// Label is the kind's short metric label.
func (k Kind) Label() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindDomainSizing:
		return "domain_sizing"
	case KindCommunication:
		return "communication"
	case KindNumerical:
		return "numerical"
	default:
		return "unknown"
	}
}

// unset marks an absent rank/step/layer/peer coordinate.
const unset = -1

// Error is a fatal evaluation error with its location in the run.
type Error struct {
	Kind  Kind
	Op    string // e.g. "forward exchange", "load model"
	Rank  int
	Step  int64
	Layer int
	Peer  int
	Cause error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Rank != unset {
		fmt.Fprintf(&b, " rank %d", e.Rank)
	}
	if e.Step != unset {
		fmt.Fprintf(&b, " step %d", e.Step)
	}
	if e.Layer != unset {
		fmt.Fprintf(&b, " layer %d", e.Layer)
	}
	if e.Peer != unset {
		fmt.Fprintf(&b, " peer %d", e.Peer)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the kind sentinel as well as anything in the cause chain.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if target == e.Kind.sentinel() {
		return true
	}
	return errors.Is(e.Cause, target)
}

// Builder assembles an Error fluently.
type Builder struct {
	err Error
}

// New starts an error of the given kind for operation op.
func New(kind Kind, op string) *Builder {
	return &Builder{err: Error{Kind: kind, Op: op, Rank: unset, Step: unset, Layer: unset, Peer: unset}}
}

func (b *Builder) Rank(r int) *Builder {
	b.err.Rank = r
	return b
}

func (b *Builder) Step(s int64) *Builder {
	b.err.Step = s
	return b
}

func (b *Builder) Layer(k int) *Builder {
	b.err.Layer = k
	return b
}

func (b *Builder) Peer(p int) *Builder {
	b.err.Peer = p
	return b
}

func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Causef sets a formatted cause.
func (b *Builder) Causef(format string, args ...any) *Builder {
	b.err.Cause = fmt.Errorf(format, args...)
	return b
}

// Err returns the built error.
func (b *Builder) Err() error {
	e := b.err
	return &e
}

// Configurationf is shorthand for a configuration error without location.
func Configurationf(op, format string, args ...any) error {
	return New(KindConfiguration, op).Causef(format, args...).Err()
}

// DomainSizingf is shorthand for a domain sizing error without location.
func DomainSizingf(op, format string, args ...any) error {
	return New(KindDomainSizing, op).Causef(format, args...).Err()
}

// Communicationf is shorthand for a communication error without location.
func Communicationf(op, format string, args ...any) error {
	return New(KindCommunication, op).Causef(format, args...).Err()
}

// Numericalf is shorthand for a numerical error without location.
func Numericalf(op, format string, args ...any) error {
	return New(KindNumerical, op).Causef(format, args...).Err()
}

// KindOf reports the kind of err if it is, or wraps, a fault Error.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

// Annotate fills in the rank and step of a fault Error that was raised
// without them. Other errors are returned unchanged.
func Annotate(err error, rank int, step int64) error {
	var fe *Error
	if !errors.As(err, &fe) {
		return err
	}
	out := *fe
	if out.Rank == unset {
		out.Rank = rank
	}
	if out.Step == unset {
		out.Step = step
	}
	return &out
}

// WithLayer fills in the layer of a fault Error raised without one.
func WithLayer(err error, layer int) error {
	var fe *Error
	if !errors.As(err, &fe) || fe.Layer != unset {
		return err
	}
	out := *fe
	out.Layer = layer
	return &out
}

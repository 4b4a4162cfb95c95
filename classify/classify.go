// Package classify provides the thin indirection from the protocol
// state machine to a user-supplied classification function, with a safe
// default when none is configured.
package classify

import (
	"log"

	"github.com/mpimg/srmilter/msgview"
	"github.com/mpimg/srmilter/verdict"
)

// Classifier decides the fate of one message. Implementations must be
// total: Classify always returns a verdict, never panics on well-formed
// input. For the threaded execution mode, a Classifier must additionally
// be safe for concurrent use — this is a documented requirement, not one
// the type system enforces.
type Classifier interface {
	Classify(v *msgview.View) verdict.Verdict
}

// Func adapts a bare function to a Classifier.
type Func func(v *msgview.View) verdict.Verdict

// Classify implements Classifier.
func (f Func) Classify(v *msgview.View) verdict.Verdict {
	return f(v)
}

// WithContext adapts a function that additionally takes a borrowed
// context value of type T to a Classifier. The context is stored by
// value (or as a pointer, if T is one) and passed to fn on every call;
// it is the caller's job to make sure that value is safe to read from
// whatever execution mode the server runs in.
type WithContext[T any] struct {
	Fn  func(v *msgview.View, ctx T) verdict.Verdict
	Ctx T
}

// Classify implements Classifier.
func (w WithContext[T]) Classify(v *msgview.View) verdict.Verdict {
	return w.Fn(v, w.Ctx)
}

// Shared adapts a function plus a shared-ownership context to a
// Classifier. This is the shape the threaded execution mode requires:
// Ctx is held behind the pointer/interface the caller supplied, so the
// framework never copies user state, and concurrent Classify calls all
// observe the same instance.
type Shared[T any] struct {
	Fn  func(v *msgview.View, ctx T) verdict.Verdict
	Ctx T
}

// Classify implements Classifier.
func (s Shared[T]) Classify(v *msgview.View) verdict.Verdict {
	return s.Fn(v, s.Ctx)
}

// none is the default Classifier used when a server is configured
// without one: it logs and accepts, matching the server's fail-open policy.
type none struct{}

// Classify implements Classifier.
func (none) Classify(v *msgview.View) verdict.Verdict {
	log.Print("srmilter: no classifier configured")
	return v.LogAccept("no classifier configured")
}

// None is the default Classifier, used by srmilter.Config when no
// classifier is supplied.
var None Classifier = none{}

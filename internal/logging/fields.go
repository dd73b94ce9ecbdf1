// Package logging provides a fluent structured-fields builder on top of zap,
// used across statestore, phaserunner, and orchestrator so warning/error log
// lines carry consistent, queryable fields instead of ad-hoc strings.
package logging

import (
	"time"

	"go.uber.org/zap"
)

// Fields accumulates zap.Field values through a fluent chain. The zero value
// is ready to use.
type Fields struct {
	fields []zap.Field
}

// NewFields starts a new fluent field chain.
func NewFields() *Fields {
	return &Fields{}
}

func (f *Fields) Component(name string) *Fields {
	f.fields = append(f.fields, zap.String("component", name))
	return f
}

func (f *Fields) Operation(name string) *Fields {
	f.fields = append(f.fields, zap.String("operation", name))
	return f
}

func (f *Fields) Resource(name string) *Fields {
	f.fields = append(f.fields, zap.String("resource", name))
	return f
}

// Phase records the pipeline phase key (phase1..phase7, phase5_5) an event
// pertains to.
func (f *Fields) Phase(phase string) *Fields {
	f.fields = append(f.fields, zap.String("phase", phase))
	return f
}

// FileID records the file_id a phase-level event pertains to.
func (f *Fields) FileID(id string) *Fields {
	f.fields = append(f.fields, zap.String("file_id", id))
	return f
}

// RunID records the run_id a policy-log event belongs to.
func (f *Fields) RunID(id string) *Fields {
	f.fields = append(f.fields, zap.String("run_id", id))
	return f
}

func (f *Fields) Duration(d time.Duration) *Fields {
	f.fields = append(f.fields, zap.Duration("duration", d))
	return f
}

func (f *Fields) Count(n int) *Fields {
	f.fields = append(f.fields, zap.Int("count", n))
	return f
}

func (f *Fields) Error(err error) *Fields {
	f.fields = append(f.fields, zap.Error(err))
	return f
}

// Build returns the accumulated fields for use with a zap.Logger call.
func (f *Fields) Build() []zap.Field {
	return f.fields
}

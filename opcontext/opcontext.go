// Package opcontext implements the per-request OperationContext and its two
// companion caches described in SPEC_FULL.md §4.7.
package opcontext

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/sirkyp/fhirsmith"
)

// DefaultDeadline is the default operation deadline, per §4.7.
const DefaultDeadline = 30 * time.Second

// OperationContext carries the per-request state every dispatcher worker
// consumes: language preferences, a request id, timing, and the endpoint's
// caches.
type OperationContext struct {
	ctx context.Context

	RequestID string
	Languages []language.Tag
	Start     time.Time
	Deadline  time.Time

	Resources  *ResourceCache
	Expansions *ExpansionCache

	diagnostics []string
}

// New builds an OperationContext for one request. acceptLanguage is the raw
// header value (possibly empty); resources/expansions are the endpoint's
// shared caches.
func New(ctx context.Context, acceptLanguage string, resources *ResourceCache, expansions *ExpansionCache) *OperationContext {
	tags, _, _ := language.ParseAcceptLanguage(acceptLanguage)
	now := time.Now()
	return &OperationContext{
		ctx:        ctx,
		RequestID:  uuid.NewString(),
		Languages:  tags,
		Start:      now,
		Deadline:   now.Add(DefaultDeadline),
		Resources:  resources,
		Expansions: expansions,
	}
}

// WithDeadline overrides the default deadline, for tests or endpoints that
// configure a longer timeout.
func (o *OperationContext) WithDeadline(d time.Duration) *OperationContext {
	o.Deadline = o.Start.Add(d)
	return o
}

// Context returns the underlying request context, for passing to I/O calls.
func (o *OperationContext) Context() context.Context { return o.ctx }

// Note appends a diagnostic string, surfaced if the operation eventually
// fails with TooCostly.
func (o *OperationContext) Note(format string, args ...any) {
	o.diagnostics = append(o.diagnostics, fmt.Sprintf(format, args...))
}

// DeadCheck must be called at every suspension point or loop iteration an
// operation defines. It returns a TooCostly error, carrying accumulated
// diagnostics, once the deadline has passed or the request context has been
// canceled.
func (o *OperationContext) DeadCheck(marker string) error {
	const op = "opcontext.OperationContext.DeadCheck"
	if err := o.ctx.Err(); err != nil {
		return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrTooCostly,
			Message: o.diagnosticSummary(marker), Inner: err}
	}
	if time.Now().After(o.Deadline) {
		return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrTooCostly,
			Message: o.diagnosticSummary(marker)}
	}
	return nil
}

func (o *OperationContext) diagnosticSummary(marker string) string {
	msg := fmt.Sprintf("deadline exceeded at %s", marker)
	for _, d := range o.diagnostics {
		msg += "; " + d
	}
	return msg
}

// AcceptLanguageHeader extracts the raw Accept-Language header from an
// inbound request, the value New expects.
func AcceptLanguageHeader(r *http.Request) string {
	return r.Header.Get("Accept-Language")
}

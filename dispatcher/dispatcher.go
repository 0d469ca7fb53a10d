package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sirkyp/fhirsmith"
	"github.com/sirkyp/fhirsmith/library"
	"github.com/sirkyp/fhirsmith/opcontext"
)

var tracer = otel.Tracer("github.com/sirkyp/fhirsmith/dispatcher")

// Endpoint describes one configured FHIR terminology endpoint, per spec.md
// §4.8: a URL path prefix, the FHIR version it serves, and the Provider
// backing its operations.
type Endpoint struct {
	Path        string
	FHIRVersion string
	Context     string // optional narrowing context, e.g. a tenant id
	Provider    *library.Provider
	Resources   *opcontext.ResourceCache
	Expansions  *opcontext.ExpansionCache
}

// OperationFunc handles one dispatched operation. It receives the parsed
// OperationContext and should write its result (success or error) to w
// itself, using WriteOutcome on failure.
type OperationFunc func(ctx context.Context, oc *opcontext.OperationContext, e *Endpoint, w http.ResponseWriter, r *http.Request)

// Dispatcher is an http.Handler multiplexing every configured Endpoint's
// routes, per spec.md §4.8's routing table.
type Dispatcher struct {
	mux      *http.ServeMux
	log      *slog.Logger
	patterns map[string]bool

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var _ http.Handler = (*Dispatcher)(nil)

// New builds a Dispatcher with no routes registered yet; call Register for
// each endpoint.
func New(log *slog.Logger, reg prometheus.Registerer) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		mux:      http.NewServeMux(),
		log:      log,
		patterns: make(map[string]bool),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirsmith_dispatcher_requests_total",
			Help: "Total terminology operation requests, by endpoint path and operation.",
		}, []string{"path", "operation"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "fhirsmith_dispatcher_request_duration_seconds",
			Help: "Terminology operation request latency, by endpoint path and operation.",
		}, []string{"path", "operation"}),
	}
	if reg != nil {
		reg.MustRegister(d.requests, d.latency)
	}
	return d
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mux.ServeHTTP(w, r)
}

// Register wires e's routes per spec.md §4.8's table: collection search,
// instance read, and every named operation, each handled by the
// corresponding entry in ops (keyed by operation name, "" for plain
// search/read).
//
// Register returns an error — a fatal configuration error, per spec.md
// §4.8 — if e.Path duplicates an already-registered endpoint.
func (d *Dispatcher) Register(e *Endpoint, ops map[string]OperationFunc) error {
	const op = "dispatcher.Dispatcher.Register"

	pattern := e.Path
	if pattern == "" {
		pattern = "/"
	}
	if d.patterns[pattern] {
		return &fhirsmith.Error{Op: op, Kind: fhirsmith.ErrInvalidParameter,
			Message: fmt.Sprintf("duplicate endpoint path %q", e.Path)}
	}
	d.patterns[pattern] = true

	d.mux.HandleFunc(pattern, d.handlerFor(e, ops))
	d.mux.HandleFunc(pattern+"/", d.handlerFor(e, ops))
	return nil
}

// handlerFor builds the per-request pipeline described in spec.md §4.8:
// request id, language parsing, OTel span, dispatch, per-op stats, CORS.
func (d *Dispatcher) handlerFor(e *Endpoint, ops map[string]OperationFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		format := NegotiateFormat(r)

		setCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		reqID := uuid.NewString()
		w.Header().Set("X-Request-Id", reqID)

		ctx, span := tracer.Start(r.Context(), "dispatcher.request",
			trace.WithAttributes(attribute.String("request_id", reqID), attribute.String("path", e.Path)))
		defer span.End()

		oc := opcontext.New(ctx, opcontext.AcceptLanguageHeader(r), e.Resources, e.Expansions)
		oc.RequestID = reqID

		opName := operationName(r)
		span.SetAttributes(attribute.String("operation", opName))

		fn, ok := ops[opName]
		if !ok {
			span.SetStatus(codes.Error, "unsupported operation")
			WriteOutcomeStatus(w, format, http.StatusNotFound, "error", "not-found",
				fmt.Sprintf("no operation %q on %s", opName, e.Path))
			return
		}

		if r.Method == http.MethodPost {
			if NegotiateRequestContentType(r) == "" {
				WriteOutcomeStatus(w, format, http.StatusUnsupportedMediaType, "error", "not-supported",
					"unsupported content type "+r.Header.Get("Content-Type"))
				return
			}
		}

		fn(ctx, oc, e, w, r)

		d.requests.WithLabelValues(e.Path, opName).Inc()
		d.latency.WithLabelValues(e.Path, opName).Observe(time.Since(start).Seconds())
	}
}

// operationName extracts the "$operation" segment from a request path, or
// "" for plain collection search / instance read.
func operationName(r *http.Request) string {
	p := r.URL.Path
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '$' {
			return p[i:]
		}
		if p[i] == '/' {
			break
		}
	}
	return ""
}

// setCORSHeaders applies the permissive CORS policy spec.md §4.8 requires
// on every response, including OPTIONS.
func setCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Accept-Language")
}

package telemetry

import (
	"fmt"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentResty opens a span around every request the client makes.
// Bodies and headers are left out; they carry credentials.
func InstrumentResty(client *resty.Client, tracerName string) {
	tracer := otel.Tracer(tracerName)

	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		ctx, _ := tracer.Start(req.Context(), "http "+req.Method, trace.WithSpanKind(trace.SpanKindClient))
		req.SetContext(ctx)
		return nil
	})
	client.OnAfterResponse(onAfterResponse)
	client.OnError(onError)
}

func onAfterResponse(_ *resty.Client, res *resty.Response) error {
	span := trace.SpanFromContext(res.Request.Context())
	defer span.End()

	span.SetAttributes(
		attribute.String("http.request.method", res.Request.Method),
		attribute.String("url.full", res.Request.URL),
		attribute.Int("http.response.status_code", res.StatusCode()),
	)
	if res.StatusCode() >= 400 {
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", res.StatusCode()))
	}
	return nil
}

func onError(req *resty.Request, err error) {
	span := trace.SpanFromContext(req.Context())
	defer span.End()

	span.SetAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("url.full", req.URL),
	)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

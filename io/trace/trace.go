// Package trace builds the zipkin tracer used by the client API.
package trace

import (
	zipkin "github.com/openzipkin/zipkin-go"
	"github.com/openzipkin/zipkin-go/reporter"
	httpreporter "github.com/openzipkin/zipkin-go/reporter/http"
	"github.com/pkg/errors"
)

const DefaultCollector = "http://localhost:9411/api/v2/spans"

// Tracer creates a tracer that reports spans to collector. The returned
// reporter must be closed on shutdown to flush buffered spans.
func Tracer(serviceName, hostPort, collector string) (*zipkin.Tracer, reporter.Reporter, error) {
	if collector == "" {
		collector = DefaultCollector
	}
	rep := httpreporter.NewReporter(collector)

	// create our local service endpoint
	endpoint, err := zipkin.NewEndpoint(serviceName, hostPort)
	if err != nil {
		_ = rep.Close()
		return nil, nil, errors.Wrap(err, "unable to create local endpoint")
	}
	// initialize our tracer
	tracer, err := zipkin.NewTracer(rep, zipkin.WithLocalEndpoint(endpoint))
	if err != nil {
		_ = rep.Close()
		return nil, nil, errors.Wrap(err, "unable to create tracer")
	}

	return tracer, rep, nil
}

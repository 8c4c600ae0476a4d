/*
Copyright 2026 Nscale.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package options

import (
	"context"
	"flag"
	"runtime"

	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"

	klog "k8s.io/klog/v2"

	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/unikorn-cloud/readthrough/pkg/constants"
)

// CoreOptions are things every process embedding a cache will need.
type CoreOptions struct {
	// OTLPEndpoint is used by OpenTelemetry.
	OTLPEndpoint string
	// Zap controls common logging.
	Zap zap.Options
}

func (o *CoreOptions) AddFlags(flags *pflag.FlagSet) {
	flags.StringVar(&o.OTLPEndpoint, "otlp-endpoint", "", "An optional OTLP endpoint.")

	z := flag.NewFlagSet("", flag.ExitOnError)
	o.Zap.BindFlags(z)

	flags.AddGoFlagSet(z)
}

func (o *CoreOptions) SetupLogging() {
	logr := zap.New(zap.UseFlagOptions(&o.Zap), zap.UseDevMode(!constants.IsProduction()))

	log.SetLogger(logr)
	klog.SetLogger(logr)
	otel.SetLogger(logr)
}

func (o *CoreOptions) SetupOpenTelemetry(ctx context.Context, opts ...trace.TracerProviderOption) error {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	if o.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(o.OTLPEndpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return err
		}

		opts = append(opts, trace.WithBatcher(exporter))
	}

	// Attribute every span with who we are.
	attributes := resource.NewSchemaless(
		attribute.String("service.name", constants.Application),
		attribute.String("service.version", constants.VersionString()),
	)

	opts = append(opts, trace.WithResource(attributes))

	otel.SetTracerProvider(trace.NewTracerProvider(opts...))

	return nil
}

// CacheOptions configure a read through cache and the pool its lookups run
// on.
type CacheOptions struct {
	// Size bounds the number of cached entries.  Zero disables storage
	// but preserves lookup coalescing.
	Size int

	// Workers is how many lookups may execute concurrently.
	Workers int

	// QueueDepth bounds the number of scheduled lookups waiting for a
	// worker.  Keep this at least as large as Workers or retry rounds
	// can stall behind a full queue.
	QueueDepth int
}

func (o *CacheOptions) AddFlags(f *pflag.FlagSet) {
	f.IntVar(&o.Size, "cache-size", 1024, "Maximum number of cached entries, 0 disables storage.")
	f.IntVar(&o.Workers, "cache-workers", runtime.GOMAXPROCS(0), "Number of concurrent lookup workers.")
	f.IntVar(&o.QueueDepth, "cache-queue-depth", 4096, "Bound on lookups awaiting a worker.")
}

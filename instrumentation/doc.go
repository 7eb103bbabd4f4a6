// Package instrumentation provides OpenTelemetry instrumentation for the lockrs engine.
//
// It exposes metrics (counters, histograms and storage gauges) and traces for the
// grant engines, the key set and the storage backends.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "lockrs",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	cfg.Instrumentation = inst
//
// # Prometheus Metrics
//
// With MetricsExporter set to "prometheus", metrics are collected by an OpenTelemetry
// Prometheus exporter into a private registry served by Handler():
//
//	inst, _ := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		MetricsExporter: instrumentation.ExporterPrometheus,
//	})
//	http.Handle("/metrics", inst.Handler())
//
// # Traces
//
// With TracesExporter set to "otlp", spans are batched to an OTLP gRPC collector at
// OTLPEndpoint.
//
// # Available Metrics
//
// Grant flows:
//   - oauth.code.issued{client_id, pkce_method}
//   - oauth.code.redeemed{client_id}
//   - oauth.token.issued{client_id, grant_type}
//   - oauth.token.refreshed{client_id}
//   - oauth.device.started{client_id}
//   - oauth.device.polls{outcome}
//   - oauth.device.decisions{decision}
//   - oauth.grant.errors{grant_type, error}
//   - oauth.session.signed, oauth.session.verify_failed{reason}
//
// Security:
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//   - oauth.token.reuse_detected
//   - oauth.token.family_revoked{reason}
//   - oauth.scope.rejected{client_id, reason}
//
// Keys:
//   - oauth.keyset.rotations
//   - oauth.keyset.reloads{success}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.{clients,codes,device_authorizations,refresh_tokens,access_tokens}.count
//
// Client IDs appear as metric attributes. Deployments with many dynamically
// registered clients should aggregate them with recording rules.
package instrumentation

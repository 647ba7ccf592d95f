// Package metric wraps a private Prometheus registry and the HTTP server that
// exposes it.
//
// Components register their collectors under a service name so duplicate
// registrations surface as invalid errors instead of panics:
//
//	registry := metric.NewRegistry()
//	batches := prometheus.NewCounterVec(prometheus.CounterOpts{
//	    Name: "framestream_batches_total",
//	    Help: "Batches processed by key and status",
//	}, []string{"key", "status"})
//	if err := registry.RegisterCounterVec("dispatch", "batches_total", batches); err != nil {
//	    return err
//	}
//
//	server := metric.NewServer(9090, "/metrics", registry, monitor)
//	if err := server.Start(); err != nil {
//	    return err
//	}
//	defer server.Stop(5 * time.Second)
//
// The server also mounts /healthz, delegating to a health.Monitor when one is
// supplied.
package metric

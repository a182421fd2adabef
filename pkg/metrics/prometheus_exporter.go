package metrics

import (
	"net/http"

	log "github.com/Azure/workload-identity-controller/pkg/logger"

	"contrib.go.opencensus.io/exporter/prometheus"
)

// newPrometheusExporter creates prometheus exporter and run the same on given port
func newPrometheusExporter(namespace string, port string, log log.Logger) (*prometheus.Exporter, error) {
	exporter, err := prometheus.NewExporter(prometheus.Options{
		Namespace: namespace,
	})
	if err != nil {
		log.Errorf("failed to create prometheus exporter, error: %+v", err)
		return nil, err
	}

	// Run the prometheus exporter as http service
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", exporter)
		if err := http.ListenAndServe(":"+port, mux); err != nil {
			log.Errorf("failed to run prometheus exporter on port %s, error: %+v", port, err)
		}
	}()

	return exporter, nil
}

package probes

import (
	"net/http"

	"github.com/gorilla/mux"
	"k8s.io/klog/v2"
)

// InitHealthProbe - sets up health and readiness probes on the given router.
// The contents of the healthz endpoint will be the string "Active" once the
// controller's sync cycle has started; readyz additionally requires the
// informer caches to have synced.
func InitHealthProbe(router *mux.Router, active *bool, synced *bool) {
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if *active {
			w.Write([]byte("Active"))
		} else {
			w.Write([]byte("Not Active"))
		}
	})
	router.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if *active && *synced {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("Ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Not Ready"))
	})
}

func startAsync(port string, router *mux.Router) {
	if err := http.ListenAndServe(":"+port, router); err != nil {
		klog.Errorf("http listen and serve error: %+v", err)
		panic(err)
	}
}

// Start - Starts the required http server to start the probe to respond.
func Start(port string, router *mux.Router) {
	go startAsync(port, router)
}

// InitAndStart - Initialize the default probes and starts the http listening port.
func InitAndStart(port string, active *bool, synced *bool) {
	router := mux.NewRouter()
	InitHealthProbe(router, active, synced)
	klog.Infof("initialized health probe on port %s", port)

	Start(port, router)
	klog.Info("started health probe")
}

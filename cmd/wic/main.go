package main

import (
	"flag"
	"os"
	"time"

	"github.com/Azure/workload-identity-controller/pkg/auth"
	"github.com/Azure/workload-identity-controller/pkg/controller"
	"github.com/Azure/workload-identity-controller/pkg/filewatcher"
	"github.com/Azure/workload-identity-controller/pkg/k8s"
	"github.com/Azure/workload-identity-controller/pkg/log"
	"github.com/Azure/workload-identity-controller/pkg/metrics"
	"github.com/Azure/workload-identity-controller/pkg/probes"
	"github.com/Azure/workload-identity-controller/version"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

const (
	defaultLeaseName     = "workload-identity-controller"
	defaultLeaseDuration = 15 * time.Second
)

var (
	kubeconfig        string
	cloudconfig       string
	versionInfo       bool
	syncRetryDuration time.Duration
	maxRetries        int
	retryInterval     time.Duration
	callTimeout       time.Duration
	parallelInstances int64
	probePort         string
	metricsPort       string

	leaderElectionCfg controller.LeaderElectionConfig
)

func main() {
	logOptions := log.NewOptions()
	logOptions.AddFlags()

	defer klog.Flush()
	klog.InitFlags(nil)

	pflag.StringVar(&kubeconfig, "kubeconfig", "", "Path to the kube config")
	pflag.StringVar(&cloudconfig, "cloudconfig", "", "Path to cloud config e.g. Azure.json file")
	pflag.BoolVar(&versionInfo, "version", false, "Prints the version information")
	pflag.DurationVar(&syncRetryDuration, "syncRetryDuration", time.Second*60, "The interval in seconds at which sync loop runs periodically")
	pflag.IntVar(&maxRetries, "maxRetries", 5, "Maximum retries per external call before an object is marked Failed")
	pflag.DurationVar(&retryInterval, "retryInterval", time.Second*2, "Base interval of the exponential backoff between retries")
	pflag.DurationVar(&callTimeout, "callTimeout", time.Second*30, "Timeout applied per external call, not per pass")
	pflag.Int64Var(&parallelInstances, "parallelInstances", 8, "Number of WorkloadIdentity instances reconciled concurrently")
	pflag.StringVar(&probePort, "http-probe-port", "8080", "Http liveness and readiness probe port")
	pflag.StringVar(&metricsPort, "prometheus-port", "8888", "Prometheus port for metrics")

	pflag.StringVar(&leaderElectionCfg.Namespace, "leader-election-namespace", "default", "Namespace of the leader election lease")
	pflag.StringVar(&leaderElectionCfg.Name, "leader-election-name", defaultLeaseName, "Name of the leader election lease")
	pflag.DurationVar(&leaderElectionCfg.Duration, "leader-election-duration", defaultLeaseDuration, "Duration of the leader election lease")
	pflag.StringVar(&leaderElectionCfg.Instance, "leader-election-instance", "", "Unique instance identity for leader election, defaults to the hostname")

	// pick up the klog and log-format flags registered on the go flag set
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	if versionInfo {
		version.PrintVersionAndExit()
	}

	if err := logOptions.Apply(); err != nil {
		klog.Fatalf("unable to apply logging options, error: %+v", err)
	}

	klog.Infof("starting wic process. Version: %v. Build date: %v", version.Version, version.BuildDate)
	if cloudconfig == "" {
		klog.Warningf("--cloudconfig not passed, will use environment variables")
	}
	if kubeconfig == "" {
		klog.Warningf("--kubeconfig not passed, will use InClusterConfig")
	}
	if leaderElectionCfg.Instance == "" {
		leaderElectionCfg.Instance = hostnameOrDie()
	}

	klog.Infof("kubeconfig (%s) cloudconfig (%s)", kubeconfig, cloudconfig)
	restConfig, err := k8s.BuildConfig(kubeconfig)
	if err != nil {
		klog.Fatalf("could not read config properly, check the k8s config file, %+v", err)
	}

	client, err := controller.NewClient(cloudconfig, restConfig, controller.Config{
		SyncRetryInterval: syncRetryDuration,
		MaxRetries:        maxRetries,
		RetryInterval:     retryInterval,
		CallTimeout:       callTimeout,
		ParallelInstances: parallelInstances,
	}, &leaderElectionCfg)
	if err != nil {
		klog.Fatalf("could not get the controller client: %+v", err)
	}

	if err := metrics.RegisterAndExport(metricsPort, controller.Log{}); err != nil {
		klog.Fatalf("could not start the metrics exporter: %+v", err)
	}
	auth.InitReporter(client.Reporter)

	if cloudconfig != "" {
		watchCloudConfig(client, cloudconfig)
	}

	probes.InitAndStart(probePort, &client.SyncLoopStarted, &client.CacheSynced)

	// blocks on the leader election loop
	client.Run()
}

// watchCloudConfig reinitializes the cloud provider clients when the
// mounted azure.json is rotated, without restarting the process.
func watchCloudConfig(client *controller.Client, path string) {
	fw, err := filewatcher.NewFileWatcher(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write == fsnotify.Write {
			klog.Infof("cloud config %s changed, reinitializing cloud provider", event.Name)
			if err := client.CloudClient.Init(); err != nil {
				klog.Errorf("failed to reinitialize cloud provider, error: %+v", err)
			}
		}
	}, func(err error) {
		klog.Errorf("cloud config watcher error: %+v", err)
	})
	if err != nil {
		klog.Fatalf("could not create cloud config watcher: %+v", err)
	}
	if err := fw.Add(path); err != nil {
		klog.Fatalf("could not watch cloud config %s: %+v", path, err)
	}
	go fw.Start(make(chan struct{}))
}

func hostnameOrDie() string {
	hostname, err := os.Hostname()
	if err != nil {
		klog.Fatalf("could not determine hostname for leader election identity: %+v", err)
	}
	return hostname
}

package stats

import (
	"sync"
	"time"

	"k8s.io/klog/v2"
)

var globalStats map[StatsType]time.Duration
var globalStatsMutex sync.RWMutex

// StatsType is a timing bucket collected during a reconciliation pass.
type StatsType string

const (
	Total        StatsType = "Total"
	System       StatsType = "System"
	Resolve      StatsType = "Desired state resolution"
	Schedule     StatsType = "Dependency ordering"
	Reconcile    StatsType = "Object reconciliation"
	CloudGet     StatsType = "Cloud provider get"
	CloudPut     StatsType = "Cloud provider put"
	K8sGet       StatsType = "K8s get"
	K8sPut       StatsType = "K8s put"
	StatusUpdate StatsType = "Status update"
	DeleteSweep  StatsType = "Stale object sweep"

	EventRecord StatsType = "Event recording"
)

// Init resets the buckets at the start of a pass.
func Init() {
	globalStatsMutex.Lock()
	globalStats = make(map[StatsType]time.Duration)
	globalStatsMutex.Unlock()
}

// Put stores the duration for a bucket.
func Put(key StatsType, val time.Duration) {
	globalStatsMutex.Lock()
	if globalStats != nil {
		globalStats[key] = val
	}
	globalStatsMutex.Unlock()
}

// Get returns the duration stored for a bucket.
func Get(key StatsType) time.Duration {
	globalStatsMutex.RLock()
	defer globalStatsMutex.RUnlock()
	if globalStats != nil {
		return globalStats[key]
	}
	return 0
}

// Update adds val to the duration stored for a bucket.
func Update(key StatsType, val time.Duration) {
	globalStatsMutex.Lock()
	if globalStats != nil {
		globalStats[key] = globalStats[key] + val
	}
	globalStatsMutex.Unlock()
}

// Print logs one bucket.
func Print(key StatsType) {
	globalStatsMutex.RLock()
	klog.Infof("%s: %s", key, globalStats[key])
	globalStatsMutex.RUnlock()
}

// PrintSync logs all buckets collected for the pass.
func PrintSync() {
	klog.Infof("** Stats collected **")
	globalStatsMutex.RLock()
	empty := globalStats == nil
	globalStatsMutex.RUnlock()
	if empty {
		return
	}
	Print(Resolve)
	Print(Schedule)
	Print(Reconcile)
	Print(CloudGet)
	Print(CloudPut)
	Print(K8sGet)
	Print(K8sPut)
	Print(StatusUpdate)
	Print(DeleteSweep)
	Print(EventRecord)
	Print(System)
	Print(Total)
	klog.Infof("*********************")
}

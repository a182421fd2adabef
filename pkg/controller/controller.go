package controller

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	aadwi "github.com/Azure/workload-identity-controller/pkg/apis/workloadidentity/v1alpha1"
	"github.com/Azure/workload-identity-controller/pkg/cloudprovider"
	"github.com/Azure/workload-identity-controller/pkg/crd"
	"github.com/Azure/workload-identity-controller/pkg/engine"
	"github.com/Azure/workload-identity-controller/pkg/graph"
	"github.com/Azure/workload-identity-controller/pkg/k8s"
	"github.com/Azure/workload-identity-controller/pkg/metrics"
	"github.com/Azure/workload-identity-controller/pkg/resolver"
	"github.com/Azure/workload-identity-controller/pkg/stats"
	"github.com/Azure/workload-identity-controller/pkg/status"
	"github.com/Azure/workload-identity-controller/version"

	"golang.org/x/sync/semaphore"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
	"k8s.io/client-go/tools/record"
	"k8s.io/klog/v2"
)

const (
	stopped = int32(0)
	running = int32(1)
)

// LeaderElectionConfig - used to keep track of leader election config.
type LeaderElectionConfig struct {
	Namespace string
	Name      string
	Duration  time.Duration
	Instance  string
}

// Config bundles the reconciliation tunables of the controller.
type Config struct {
	SyncRetryInterval time.Duration
	MaxRetries        int
	RetryInterval     time.Duration
	CallTimeout       time.Duration
	// ParallelInstances bounds how many WorkloadIdentity instances
	// reconcile concurrently. Objects inside one instance always run
	// sequentially in topological order.
	ParallelInstances int64
}

// Client has the required pointers to talk to the api server and drive
// the per-instance reconciliation.
type Client struct {
	CRDClient     crd.ClientInt
	CloudClient   cloudprovider.ClientInt
	KubeClient    k8s.Client
	EventRecorder record.EventRecorder
	EventChannel  chan aadwi.EventType

	SyncLoopStarted bool
	CacheSynced     bool

	config Config

	syncing int32 // protect against concurrent syncs

	leaderElector *leaderelection.LeaderElector
	*LeaderElectionConfig
	Reporter *metrics.Reporter
}

// ClientInt is the controller surface used by the command entry point.
type ClientInt interface {
	Run()
	Start(exit <-chan struct{})
	Sync(exit <-chan struct{})
}

// NewClient returns a new workload identity controller client.
func NewClient(cloudconfig string, restConfig *rest.Config, cfg Config, leaderElectionConfig *LeaderElectionConfig) (*Client, error) {
	klog.Infof("starting workload identity controller. Version: %v. Build date: %v", version.Version, version.BuildDate)

	clientSet := kubernetes.NewForConfigOrDie(restConfig)

	k8sVersion, err := clientSet.ServerVersion()
	if err == nil {
		klog.Infof("kubernetes server version: %s", k8sVersion.String())
	}

	kubeClient := k8s.NewKubeClientFromClientset(clientSet)

	reporter, err := metrics.NewReporter()
	if err != nil {
		klog.Errorf("not able to create new reporter, error: %+v", err)
		return nil, err
	}

	cloudClient, err := cloudprovider.NewCloudProvider(cloudconfig, kubeClient, reporter)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("cloud provider initialized")

	eventCh := make(chan aadwi.EventType, 100)
	crdClient, err := crd.NewCRDClient(restConfig, eventCh)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("CRD client initialized")

	eventBroadcaster := record.NewBroadcaster()
	eventBroadcaster.StartRecordingToSink(&typedcorev1.EventSinkImpl{Interface: clientSet.CoreV1().Events("")})
	recorder := eventBroadcaster.NewRecorder(scheme.Scheme, corev1.EventSource{Component: aadwi.CRDGroup})

	c := &Client{
		CRDClient:     crdClient,
		CloudClient:   cloudClient,
		KubeClient:    kubeClient,
		EventRecorder: recorder,
		EventChannel:  eventCh,
		config:        cfg,
		Reporter:      reporter,
	}

	leaderElector, err := c.NewLeaderElector(clientSet, recorder, leaderElectionConfig)
	if err != nil {
		klog.Errorf("new leader elector failure, error: %+v", err)
		return nil, err
	}
	c.leaderElector = leaderElector

	return c, nil
}

// Run - initiates the leader election run call to find if its leader and run it
func (c *Client) Run() {
	klog.Info("initiating leader election")
	c.Reporter.Report(metrics.NewLeaderElectionCountM.M(1))
	c.leaderElector.Run(context.Background())
}

// NewLeaderElector - does the required leader election initialization
func (c *Client) NewLeaderElector(clientSet kubernetes.Interface, recorder record.EventRecorder, leaderElectionConfig *LeaderElectionConfig) (*leaderelection.LeaderElector, error) {
	c.LeaderElectionConfig = leaderElectionConfig
	resourceLock, err := resourcelock.New(resourcelock.LeasesResourceLock,
		c.Namespace,
		c.Name,
		clientSet.CoreV1(),
		clientSet.CoordinationV1(),
		resourcelock.ResourceLockConfig{
			Identity:      c.Instance,
			EventRecorder: recorder})
	if err != nil {
		klog.Errorf("resource lock creation for leader election failed with error: %v", err)
		return nil, err
	}

	config := leaderelection.LeaderElectionConfig{
		LeaseDuration: c.Duration,
		RenewDeadline: c.Duration / 2,
		RetryPeriod:   c.Duration / 4,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				c.Start(ctx.Done())
			},
			OnStoppedLeading: func() {
				klog.Errorf("lost leader lease")
				klog.Flush()
				os.Exit(1)
			},
		},
		Lock: resourceLock,
	}

	return leaderelection.NewLeaderElector(config)
}

// Start begins the informer and the sync loop.
func (c *Client) Start(exit <-chan struct{}) {
	klog.V(6).Infof("workload identity controller starting")

	c.CRDClient.Start(exit)
	klog.V(6).Infof("CRD client started")

	c.CRDClient.SyncCache(exit)
	c.CacheSynced = true
	klog.V(1).Infof("CRD informer cache synced")

	go c.Sync(exit)
}

func (c *Client) canSync() bool {
	return atomic.CompareAndSwapInt32(&c.syncing, stopped, running)
}

func (c *Client) setStopped() {
	atomic.StoreInt32(&c.syncing, stopped)
}

// Sync runs the reconciliation loop: every CRD change notification or
// ticker lapse triggers one full pass over all WorkloadIdentity instances.
func (c *Client) Sync(exit <-chan struct{}) {
	if !c.canSync() {
		panic("concurrent syncs")
	}
	defer c.setStopped()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-exit
		cancel()
	}()

	ticker := time.NewTicker(c.config.SyncRetryInterval)
	defer ticker.Stop()

	klog.Info("sync thread started")
	c.SyncLoopStarted = true

	for {
		select {
		case <-exit:
			return
		case event := <-c.EventChannel:
			klog.V(6).Infof("received event: %v", event)
		case <-ticker.C:
			klog.V(6).Infof("running periodic sync loop")
		}
		c.syncAll(ctx)
	}
}

// syncAll reconciles every instance once. Distinct instances run
// concurrently up to the configured parallelism; each instance's object
// graph is processed sequentially inside reconcileInstance.
func (c *Client) syncAll(ctx context.Context) {
	stats.Init()
	begin := time.Now()

	systemTime := time.Now()
	instances, err := c.CRDClient.List()
	if err != nil {
		klog.Errorf("failed to list workload identities, error: %+v", err)
		return
	}
	stats.Put(stats.System, time.Since(systemTime))

	sem := semaphore.NewWeighted(c.config.ParallelInstances)
	var wg sync.WaitGroup

	for i := range *instances {
		instance := (*instances)[i]
		if err := sem.Acquire(ctx, 1); err != nil {
			klog.Errorf("failed to acquire semaphore in sync loop: %v", err)
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			c.reconcileInstance(ctx, &instance)
		}()
	}
	wg.Wait()

	stats.Put(stats.Total, time.Since(begin))
	c.Reporter.Report(
		metrics.ReconcileCycleCountM.M(1),
		metrics.ReconcileCycleDurationM.M(metrics.SinceInSeconds(begin)))
	stats.PrintSync()
}

// reconcileInstance drives one WorkloadIdentity toward its desired state:
// resolve, schedule, reconcile, aggregate, persist.
func (c *Client) reconcileInstance(ctx context.Context, instance *aadwi.WorkloadIdentity) {
	if !instance.DeletionTimestamp.IsZero() {
		c.cleanupInstance(ctx, instance)
		return
	}

	updated, err := c.CRDClient.AddFinalizer(ctx, instance)
	if err != nil {
		klog.Errorf("failed to add finalizer on %s/%s, error: %+v", instance.Namespace, instance.Name, err)
		return
	}
	instance = updated

	resolveTime := time.Now()
	set, err := resolver.Resolve(instance)
	if err != nil {
		c.Reporter.Report(metrics.ValidationErrorsCountM.M(1))
		c.EventRecorder.Event(instance, corev1.EventTypeWarning, "spec validation error", err.Error())
		klog.Errorf("invalid spec %s/%s: %v", instance.Namespace, instance.Name, err)
		c.updateStatus(ctx, instance, status.Invalid(err, metav1.Now()), nil, engine.Observation{})
		return
	}
	stats.Put(stats.Resolve, time.Since(resolveTime))

	scheduleTime := time.Now()
	g := graph.Build(set)
	order, err := g.TopologicalOrder()
	if err != nil {
		// static edge rules cannot build a cycle, so this is an internal
		// invariant violation; abort this instance only
		c.EventRecorder.Event(instance, corev1.EventTypeWarning, "dependency cycle", err.Error())
		klog.Errorf("aborting reconciliation of %s/%s: %v", instance.Namespace, instance.Name, err)
		c.updateStatus(ctx, instance, status.Invalid(err, metav1.Now()), nil, engine.Observation{})
		return
	}
	stats.Put(stats.Schedule, time.Since(scheduleTime))

	reconcileTime := time.Now()
	eng := engine.NewEngine(c.CloudClient, c.config.MaxRetries, c.config.RetryInterval, c.config.CallTimeout, c.eventSink(instance))
	result := eng.ReconcilePass(ctx, order, g)
	stats.Put(stats.Reconcile, time.Since(reconcileTime))

	identity, identityReady := result.Identity()
	if identityReady {
		c.annotateServiceAccount(ctx, set, identity)
	}

	managed := c.mergeManagedObjects(instance.Status.ManagedObjects, result)
	managed = c.sweepStaleObjects(ctx, eng, set, managed)

	conditions := status.Aggregate(order, result.States, metav1.Now())
	c.updateStatus(ctx, instance, conditions, managed, identity)
}

// eventSink forwards engine transitions to the kubernetes event recorder
// and the retry metric.
func (c *Client) eventSink(instance *aadwi.WorkloadIdentity) engine.EventSink {
	ref := instance.DeepCopy()
	return func(ev engine.Event) {
		begin := time.Now()
		message := fmt.Sprintf("%s/%s: %s -> %s", ev.Kind, ev.Name, ev.From, ev.To)
		switch ev.Reason {
		case engine.ReasonRetrying:
			if err := c.Reporter.ReportRetry(string(ev.Kind)); err != nil {
				klog.Warningf("failed to report retry metric: %+v", err)
			}
		case engine.ReasonTerminalError, engine.ReasonRetriesExhausted, engine.ReasonDeleteFailed:
			c.EventRecorder.Event(ref, corev1.EventTypeWarning, ev.Reason, message)
		case engine.ReasonCreated, engine.ReasonDeleted:
			c.EventRecorder.Event(ref, corev1.EventTypeNormal, ev.Reason, message)
		}
		stats.Update(stats.EventRecord, time.Since(begin))
	}
}

// annotateServiceAccount corrects the client id annotation once the
// identity observation is known. The service account is reconciled before
// the identity in topological order, so the annotation is completed here.
func (c *Client) annotateServiceAccount(ctx context.Context, set *resolver.DesiredObjectSet, identity engine.Observation) {
	for _, obj := range set.Objects {
		if obj.Kind != resolver.KindServiceAccount {
			continue
		}
		begin := time.Now()
		if _, err := c.KubeClient.ApplyServiceAccount(ctx, obj.ServiceAccount, identity.ClientID); err != nil {
			klog.Errorf("failed to annotate service account %s/%s, error: %+v", obj.ServiceAccount.Namespace, obj.ServiceAccount.Name, err)
			return
		}
		stats.Put(stats.K8sPut, time.Since(begin))
		return
	}
}

// mergeManagedObjects folds this pass's observations into the recorded
// owned object list, preserving records for objects that failed this pass.
func (c *Client) mergeManagedObjects(recorded []aadwi.ObjectReference, result *engine.PassResult) []aadwi.ObjectReference {
	byKey := make(map[string]aadwi.ObjectReference, len(recorded))
	for _, ref := range recorded {
		byKey[ref.Kind+"/"+ref.Name] = ref
	}
	for _, obj := range result.Order {
		state := result.States[obj.Key()]
		if state == nil || state.Observation.ID == "" {
			continue
		}
		byKey[obj.Key()] = aadwi.ObjectReference{
			Kind: string(obj.Kind),
			Name: obj.Name,
			ID:   state.Observation.ID,
		}
	}

	// deterministic order: pass order first, then surviving stale records
	merged := make([]aadwi.ObjectReference, 0, len(byKey))
	seen := make(map[string]bool, len(byKey))
	for _, obj := range result.Order {
		if ref, ok := byKey[obj.Key()]; ok {
			merged = append(merged, ref)
			seen[obj.Key()] = true
		}
	}
	for _, ref := range recorded {
		key := ref.Kind + "/" + ref.Name
		if !seen[key] {
			merged = append(merged, byKey[key])
			seen[key] = true
		}
	}
	return merged
}

// sweepStaleObjects deletes recorded owned objects that are no longer in
// the desired set, leaf-first, and returns the surviving record list.
func (c *Client) sweepStaleObjects(ctx context.Context, eng *engine.Engine, set *resolver.DesiredObjectSet, managed []aadwi.ObjectReference) []aadwi.ObjectReference {
	var stale []engine.Ref
	for _, ref := range managed {
		if set.Get(ref.Kind+"/"+ref.Name) == nil {
			stale = append(stale, engine.Ref{Kind: resolver.Kind(ref.Kind), Name: ref.Name, ID: ref.ID})
		}
	}
	if len(stale) == 0 {
		return managed
	}

	// the record list is in creation order; delete in reverse so owned
	// leaves go before the objects they depend on
	for i, j := 0, len(stale)-1; i < j; i, j = i+1, j-1 {
		stale[i], stale[j] = stale[j], stale[i]
	}

	begin := time.Now()
	states := eng.DeletePass(ctx, stale, engine.ReasonRemovedFromSpec)
	stats.Put(stats.DeleteSweep, time.Since(begin))

	deleted := make(map[string]bool, len(states))
	for key, state := range states {
		if state.Phase == engine.PhaseDeleted {
			deleted[key] = true
		}
	}
	surviving := make([]aadwi.ObjectReference, 0, len(managed))
	for _, ref := range managed {
		if !deleted[ref.Kind+"/"+ref.Name] {
			surviving = append(surviving, ref)
		}
	}
	return surviving
}

// cleanupInstance cascades deletion of every recorded owned object and
// releases the finalizer once all are gone.
func (c *Client) cleanupInstance(ctx context.Context, instance *aadwi.WorkloadIdentity) {
	refs := make([]engine.Ref, 0, len(instance.Status.ManagedObjects))
	for i := len(instance.Status.ManagedObjects) - 1; i >= 0; i-- {
		recorded := instance.Status.ManagedObjects[i]
		refs = append(refs, engine.Ref{Kind: resolver.Kind(recorded.Kind), Name: recorded.Name, ID: recorded.ID})
	}

	eng := engine.NewEngine(c.CloudClient, c.config.MaxRetries, c.config.RetryInterval, c.config.CallTimeout, c.eventSink(instance))

	begin := time.Now()
	states := eng.DeletePass(ctx, refs, engine.ReasonParentDeleted)
	stats.Put(stats.DeleteSweep, time.Since(begin))

	deletedCount := 0
	surviving := make([]aadwi.ObjectReference, 0)
	for _, recorded := range instance.Status.ManagedObjects {
		state := states[recorded.Kind+"/"+recorded.Name]
		if state != nil && state.Phase == engine.PhaseDeleted {
			deletedCount++
			continue
		}
		surviving = append(surviving, recorded)
	}
	c.Reporter.Report(metrics.ManagedObjectsDeletedCountM.M(int64(deletedCount)))

	if engine.AllDeleted(states) {
		if _, err := c.CRDClient.RemoveFinalizer(ctx, instance); err != nil {
			klog.Errorf("failed to remove finalizer on %s/%s, error: %+v", instance.Namespace, instance.Name, err)
		}
		klog.Infof("cleaned up %d objects owned by %s/%s", deletedCount, instance.Namespace, instance.Name)
		return
	}

	// some deletes failed; keep the finalizer and record what is left so
	// the next cycle retries only the survivors
	klog.Warningf("cleanup of %s/%s incomplete, %d objects remain", instance.Namespace, instance.Name, len(surviving))
	updated := instance.DeepCopy()
	updated.Status.ManagedObjects = surviving
	if _, err := c.CRDClient.UpdateStatus(ctx, updated); err != nil {
		klog.Errorf("failed to update status of %s/%s, error: %+v", instance.Namespace, instance.Name, err)
	}
}

func (c *Client) updateStatus(ctx context.Context, instance *aadwi.WorkloadIdentity, conditions []aadwi.Condition, managed []aadwi.ObjectReference, identity engine.Observation) {
	updated := instance.DeepCopy()
	updated.Status.ObservedGeneration = instance.Generation
	updated.Status.Conditions = conditions
	if managed != nil {
		updated.Status.ManagedObjects = managed
	}
	if identity.ClientID != "" {
		updated.Status.ClientID = identity.ClientID
	}
	if identity.PrincipalID != "" {
		updated.Status.PrincipalID = identity.PrincipalID
	}

	if _, err := c.CRDClient.UpdateStatus(ctx, updated); err != nil {
		if err := c.Reporter.ReportKubernetesAPIOperationError(metrics.UpdateWorkloadIdentityStatusOperationName); err != nil {
			klog.Warningf("failed to report metrics: %+v", err)
		}
		klog.Errorf("failed to update status of %s/%s, error: %+v", instance.Namespace, instance.Name, err)
	}
}

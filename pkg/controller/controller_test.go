package controller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	aadwi "github.com/Azure/workload-identity-controller/pkg/apis/workloadidentity/v1alpha1"
	"github.com/Azure/workload-identity-controller/pkg/engine"
	"github.com/Azure/workload-identity-controller/pkg/k8s"
	"github.com/Azure/workload-identity-controller/pkg/metrics"
	"github.com/Azure/workload-identity-controller/pkg/resolver"
	"github.com/Azure/workload-identity-controller/pkg/status"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/tools/record"
)

type fakeCRDClient struct {
	mu        sync.Mutex
	instances map[string]*aadwi.WorkloadIdentity
}

func newFakeCRDClient(instances ...*aadwi.WorkloadIdentity) *fakeCRDClient {
	c := &fakeCRDClient{instances: make(map[string]*aadwi.WorkloadIdentity)}
	for _, instance := range instances {
		c.instances[instance.Namespace+"/"+instance.Name] = instance.DeepCopy()
	}
	return c
}

func (c *fakeCRDClient) Start(exit <-chan struct{})     {}
func (c *fakeCRDClient) SyncCache(exit <-chan struct{}) {}

func (c *fakeCRDClient) List() (*[]aadwi.WorkloadIdentity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := make([]aadwi.WorkloadIdentity, 0, len(c.instances))
	for _, instance := range c.instances {
		list = append(list, *instance.DeepCopy())
	}
	return &list, nil
}

func (c *fakeCRDClient) Get(ctx context.Context, namespace, name string) (*aadwi.WorkloadIdentity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	instance, ok := c.instances[namespace+"/"+name]
	if !ok {
		return nil, fmt.Errorf("workload identity %s/%s not found", namespace, name)
	}
	return instance.DeepCopy(), nil
}

func (c *fakeCRDClient) Update(ctx context.Context, instance *aadwi.WorkloadIdentity) (*aadwi.WorkloadIdentity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[instance.Namespace+"/"+instance.Name] = instance.DeepCopy()
	return instance, nil
}

func (c *fakeCRDClient) UpdateStatus(ctx context.Context, instance *aadwi.WorkloadIdentity) (*aadwi.WorkloadIdentity, error) {
	return c.Update(ctx, instance)
}

func (c *fakeCRDClient) AddFinalizer(ctx context.Context, instance *aadwi.WorkloadIdentity) (*aadwi.WorkloadIdentity, error) {
	for _, f := range instance.Finalizers {
		if f == aadwi.CleanupFinalizer {
			return instance, nil
		}
	}
	updated := instance.DeepCopy()
	updated.Finalizers = append(updated.Finalizers, aadwi.CleanupFinalizer)
	return c.Update(ctx, updated)
}

func (c *fakeCRDClient) RemoveFinalizer(ctx context.Context, instance *aadwi.WorkloadIdentity) (*aadwi.WorkloadIdentity, error) {
	updated := instance.DeepCopy()
	finalizers := make([]string, 0, len(updated.Finalizers))
	for _, f := range updated.Finalizers {
		if f != aadwi.CleanupFinalizer {
			finalizers = append(finalizers, f)
		}
	}
	updated.Finalizers = finalizers
	return c.Update(ctx, updated)
}

// fakeCloud is an in-memory cloud provider tracking upserts and deletes.
type fakeCloud struct {
	mu          sync.Mutex
	existing    map[string]engine.Observation
	deleteErrs  map[string]error
	deleteOrder []string
	createCount int
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		existing:   make(map[string]engine.Observation),
		deleteErrs: make(map[string]error),
	}
}

func (f *fakeCloud) Init() error { return nil }

func (f *fakeCloud) Get(ctx context.Context, obj *resolver.Object) (engine.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if obs, ok := f.existing[obj.Key()]; ok {
		return obs, nil
	}
	return engine.Observation{Exists: false}, nil
}

func (f *fakeCloud) CreateOrUpdate(ctx context.Context, obj *resolver.Object, deps engine.Dependencies) (engine.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCount++
	obs := engine.Observation{
		Exists:  true,
		Matches: true,
		ID:      "id-" + obj.Key(),
	}
	if obj.Kind == resolver.KindManagedIdentity {
		obs.PrincipalID = "principal-" + obj.Name
		obs.ClientID = "client-" + obj.Name
	}
	f.existing[obj.Key()] = obs
	return obs, nil
}

func (f *fakeCloud) Delete(ctx context.Context, ref engine.Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(ref.Kind) + "/" + ref.Name
	if err, ok := f.deleteErrs[key]; ok {
		return err
	}
	delete(f.existing, key)
	f.deleteOrder = append(f.deleteOrder, key)
	return nil
}

func newTestController(cloud *fakeCloud, crdClient *fakeCRDClient) *Client {
	reporter, _ := metrics.NewReporter()
	return &Client{
		CRDClient:     crdClient,
		CloudClient:   cloud,
		KubeClient:    k8s.NewKubeClientFromClientset(fake.NewSimpleClientset()),
		EventRecorder: record.NewFakeRecorder(100),
		EventChannel:  make(chan aadwi.EventType, 10),
		config: Config{
			SyncRetryInterval: time.Minute,
			MaxRetries:        3,
			RetryInterval:     time.Millisecond,
			CallTimeout:       time.Second,
			ParallelInstances: 4,
		},
		Reporter: reporter,
	}
}

func newTestInstance() *aadwi.WorkloadIdentity {
	return &aadwi.WorkloadIdentity{
		ObjectMeta: metav1.ObjectMeta{
			Name:       "demo",
			Namespace:  "default",
			Generation: 2,
		},
		Spec: aadwi.WorkloadIdentitySpec{
			Location:           "eastus",
			ResourceGroupName:  "rg",
			OIDCIssuerURL:      "https://oidc.example.com",
			ServiceAccountName: "demo",
			RoleAssignments: []aadwi.RoleAssignment{
				{RoleDefinitionName: "Reader", Scope: "/subscriptions/1b1b1b1b-5c5c-4d4d-8e8e-9f9f9f9f9f9f/resourceGroups/rg"},
			},
		},
	}
}

func TestReconcileInstanceCreatesAllObjects(t *testing.T) {
	instance := newTestInstance()
	crdClient := newFakeCRDClient(instance)
	cloud := newFakeCloud()
	c := newTestController(cloud, crdClient)

	c.reconcileInstance(context.Background(), instance)

	stored, err := crdClient.Get(context.Background(), "default", "demo")
	require.NoError(t, err)

	assert.Contains(t, stored.Finalizers, aadwi.CleanupFinalizer)
	assert.True(t, status.IsReady(stored.Status.Conditions))
	assert.Equal(t, int64(2), stored.Status.ObservedGeneration)
	assert.Equal(t, "client-demo", stored.Status.ClientID)
	assert.Equal(t, "principal-demo", stored.Status.PrincipalID)

	// service account, identity, federated credential, role assignment
	assert.Len(t, stored.Status.ManagedObjects, 4)
	assert.Equal(t, 4, cloud.createCount)

	// the annotation fix-up ran with the identity client id
	sa, err := c.KubeClient.GetServiceAccount(context.Background(), "default", "demo")
	require.NoError(t, err)
	assert.Equal(t, "client-demo", sa.Annotations[aadwi.ClientIDAnnotation])
}

func TestReconcileInstanceIdempotent(t *testing.T) {
	instance := newTestInstance()
	crdClient := newFakeCRDClient(instance)
	cloud := newFakeCloud()
	c := newTestController(cloud, crdClient)

	c.reconcileInstance(context.Background(), instance)
	firstCreates := cloud.createCount

	stored, err := crdClient.Get(context.Background(), "default", "demo")
	require.NoError(t, err)
	c.reconcileInstance(context.Background(), stored)

	// second pass observes matching state everywhere and mutates nothing
	assert.Equal(t, firstCreates, cloud.createCount)
}

func TestReconcileInvalidSpec(t *testing.T) {
	instance := newTestInstance()
	instance.Spec.ResourceGroupName = ""
	crdClient := newFakeCRDClient(instance)
	cloud := newFakeCloud()
	c := newTestController(cloud, crdClient)

	c.reconcileInstance(context.Background(), instance)

	stored, err := crdClient.Get(context.Background(), "default", "demo")
	require.NoError(t, err)

	require.NotEmpty(t, stored.Status.Conditions)
	ready := stored.Status.Conditions[0]
	assert.Equal(t, status.ConditionReady, ready.Type)
	assert.Equal(t, "False", ready.Status)
	assert.Equal(t, aadwi.ReasonInvalid, ready.Reason)
	assert.Zero(t, cloud.createCount)
}

func TestSweepRemovedRoleAssignment(t *testing.T) {
	instance := newTestInstance()
	staleID := "/subscriptions/sub/resourceGroups/rg/providers/Microsoft.Authorization/roleAssignments/old-guid"
	instance.Status.ManagedObjects = []aadwi.ObjectReference{
		{Kind: string(resolver.KindRoleAssignment), Name: "old-guid", ID: staleID},
	}
	crdClient := newFakeCRDClient(instance)
	cloud := newFakeCloud()
	cloud.existing["RoleAssignment/old-guid"] = engine.Observation{Exists: true, Matches: true, ID: staleID}
	c := newTestController(cloud, crdClient)

	c.reconcileInstance(context.Background(), instance)

	assert.Contains(t, cloud.deleteOrder, "RoleAssignment/old-guid")

	stored, err := crdClient.Get(context.Background(), "default", "demo")
	require.NoError(t, err)
	for _, ref := range stored.Status.ManagedObjects {
		assert.NotEqual(t, "old-guid", ref.Name)
	}
}

func TestCleanupInstanceCascades(t *testing.T) {
	instance := newTestInstance()
	now := metav1.Now()
	instance.DeletionTimestamp = &now
	instance.Finalizers = []string{aadwi.CleanupFinalizer}
	instance.Status.ManagedObjects = []aadwi.ObjectReference{
		{Kind: string(resolver.KindServiceAccount), Name: "demo", ID: "default/demo"},
		{Kind: string(resolver.KindManagedIdentity), Name: "demo", ID: "id-mi"},
		{Kind: string(resolver.KindFederatedCredential), Name: "demo-fc", ID: "id-fc"},
		{Kind: string(resolver.KindRoleAssignment), Name: "ra-guid", ID: "id-ra"},
	}
	crdClient := newFakeCRDClient(instance)
	cloud := newFakeCloud()
	c := newTestController(cloud, crdClient)

	c.reconcileInstance(context.Background(), instance)

	// reverse of the recorded creation order
	assert.Equal(t, []string{
		"RoleAssignment/ra-guid",
		"FederatedCredential/demo-fc",
		"ManagedIdentity/demo",
		"ServiceAccount/demo",
	}, cloud.deleteOrder)

	stored, err := crdClient.Get(context.Background(), "default", "demo")
	require.NoError(t, err)
	assert.NotContains(t, stored.Finalizers, aadwi.CleanupFinalizer)
}

func TestCleanupKeepsFinalizerOnFailure(t *testing.T) {
	instance := newTestInstance()
	now := metav1.Now()
	instance.DeletionTimestamp = &now
	instance.Finalizers = []string{aadwi.CleanupFinalizer}
	instance.Status.ManagedObjects = []aadwi.ObjectReference{
		{Kind: string(resolver.KindManagedIdentity), Name: "demo", ID: "id-mi"},
		{Kind: string(resolver.KindRoleAssignment), Name: "ra-guid", ID: "id-ra"},
	}
	crdClient := newFakeCRDClient(instance)
	cloud := newFakeCloud()
	cloud.deleteErrs["RoleAssignment/ra-guid"] = engine.NewTerminalError(fmt.Errorf("permission denied"))
	c := newTestController(cloud, crdClient)

	c.reconcileInstance(context.Background(), instance)

	stored, err := crdClient.Get(context.Background(), "default", "demo")
	require.NoError(t, err)
	assert.Contains(t, stored.Finalizers, aadwi.CleanupFinalizer)

	// the identity was still deleted; only the failed assignment survives
	assert.Contains(t, cloud.deleteOrder, "ManagedIdentity/demo")
	require.Len(t, stored.Status.ManagedObjects, 1)
	assert.Equal(t, "ra-guid", stored.Status.ManagedObjects[0].Name)
}

func TestSyncAllReconcilesEveryInstance(t *testing.T) {
	first := newTestInstance()
	second := newTestInstance()
	second.Name = "other"
	crdClient := newFakeCRDClient(first, second)
	cloud := newFakeCloud()
	c := newTestController(cloud, crdClient)

	c.syncAll(context.Background())

	for _, name := range []string{"demo", "other"} {
		stored, err := crdClient.Get(context.Background(), "default", name)
		require.NoError(t, err)
		assert.True(t, status.IsReady(stored.Status.Conditions), "instance %s should be ready", name)
	}
}

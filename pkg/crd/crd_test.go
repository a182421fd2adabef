package crd

import (
	"testing"
	"time"

	aadwi "github.com/Azure/workload-identity-controller/pkg/apis/workloadidentity/v1alpha1"
	"github.com/Azure/workload-identity-controller/pkg/stats"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/tools/cache"
)

// slowStore returns canned items after a delay, standing in for the
// informer cache.
type slowStore struct {
	cache.Store
	delay time.Duration
	items []interface{}
}

func (s slowStore) List() []interface{} {
	time.Sleep(s.delay)
	return s.items
}

type fakeInformer struct {
	cache.SharedInformer
	store cache.Store
}

func (f fakeInformer) GetStore() cache.Store { return f.store }

func TestListReturnsCachedInstances(t *testing.T) {
	instance := &aadwi.WorkloadIdentity{
		ObjectMeta: metav1.ObjectMeta{Name: "demo", Namespace: "default"},
	}
	c := &Client{WorkloadIdentityInformer: fakeInformer{store: slowStore{items: []interface{}{instance}}}}

	list, err := c.List()
	require.NoError(t, err)
	require.Len(t, *list, 1)
	assert.Equal(t, "demo", (*list)[0].Name)
}

func TestListRejectsForeignObjects(t *testing.T) {
	c := &Client{WorkloadIdentityInformer: fakeInformer{store: slowStore{items: []interface{}{"not-a-workload-identity"}}}}

	_, err := c.List()
	assert.Error(t, err)
}

func TestListRecordsElapsedTime(t *testing.T) {
	delay := 20 * time.Millisecond
	instance := &aadwi.WorkloadIdentity{
		ObjectMeta: metav1.ObjectMeta{Name: "demo", Namespace: "default"},
	}
	c := &Client{WorkloadIdentityInformer: fakeInformer{store: slowStore{delay: delay, items: []interface{}{instance}}}}

	stats.Init()
	_, err := c.List()
	require.NoError(t, err)

	// the bucket must cover the whole call, not the instant the timer was
	// registered
	assert.GreaterOrEqual(t, stats.Get(stats.K8sGet), delay)
}

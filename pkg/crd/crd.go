package crd

import (
	"context"
	"fmt"
	"time"

	aadwi "github.com/Azure/workload-identity-controller/pkg/apis/workloadidentity/v1alpha1"
	"github.com/Azure/workload-identity-controller/pkg/stats"

	v1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/runtime/serializer"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
	"k8s.io/klog/v2"
)

// Client is the REST client for WorkloadIdentity custom resources.
type Client struct {
	rest                      *rest.RESTClient
	WorkloadIdentityListWatch *cache.ListWatch
	WorkloadIdentityInformer  cache.SharedInformer
}

// ClientInt is the CRD client surface the sync loop depends on.
type ClientInt interface {
	Start(exit <-chan struct{})
	SyncCache(exit <-chan struct{})
	List() (*[]aadwi.WorkloadIdentity, error)
	Get(ctx context.Context, namespace, name string) (*aadwi.WorkloadIdentity, error)
	Update(ctx context.Context, instance *aadwi.WorkloadIdentity) (*aadwi.WorkloadIdentity, error)
	UpdateStatus(ctx context.Context, instance *aadwi.WorkloadIdentity) (*aadwi.WorkloadIdentity, error)
	AddFinalizer(ctx context.Context, instance *aadwi.WorkloadIdentity) (*aadwi.WorkloadIdentity, error)
	RemoveFinalizer(ctx context.Context, instance *aadwi.WorkloadIdentity) (*aadwi.WorkloadIdentity, error)
}

// NewCRDClient returns a client whose informer pushes coarse grained change
// notifications into eventCh.
func NewCRDClient(config *rest.Config, eventCh chan aadwi.EventType) (*Client, error) {
	restClient, err := newRestClient(config)
	if err != nil {
		return nil, err
	}

	listWatch := newWorkloadIdentityListWatch(restClient)
	informer, err := newWorkloadIdentityInformer(eventCh, listWatch)
	if err != nil {
		return nil, err
	}

	return &Client{
		rest:                      restClient,
		WorkloadIdentityListWatch: listWatch,
		WorkloadIdentityInformer:  informer,
	}, nil
}

func newRestClient(config *rest.Config) (*rest.RESTClient, error) {
	crdconfig := *config
	crdconfig.GroupVersion = &schema.GroupVersion{Group: aadwi.CRDGroup, Version: aadwi.CRDVersion}
	crdconfig.APIPath = "/apis"
	crdconfig.ContentType = runtime.ContentTypeJSON
	s := runtime.NewScheme()
	s.AddKnownTypes(*crdconfig.GroupVersion,
		&aadwi.WorkloadIdentity{},
		&aadwi.WorkloadIdentityList{},
		&v1.DeleteOptions{},
		&v1.GetOptions{},
		&v1.ListOptions{})
	crdconfig.NegotiatedSerializer = serializer.WithoutConversionCodecFactory{
		CodecFactory: serializer.NewCodecFactory(s)}

	restClient, err := rest.RESTClientFor(&crdconfig)
	if err != nil {
		klog.Error(err)
		return nil, err
	}
	return restClient, nil
}

func newWorkloadIdentityListWatch(r *rest.RESTClient) *cache.ListWatch {
	return cache.NewListWatchFromClient(r, aadwi.CRDResource, v1.NamespaceAll, fields.Everything())
}

func newWorkloadIdentityInformer(eventCh chan aadwi.EventType, lw *cache.ListWatch) (cache.SharedInformer, error) {
	informer := cache.NewSharedInformer(
		lw,
		&aadwi.WorkloadIdentity{},
		time.Minute*10)
	if informer == nil {
		return nil, fmt.Errorf("could not create watcher for %s", aadwi.CRDResource)
	}
	informer.AddEventHandler(
		cache.ResourceEventHandlerFuncs{
			AddFunc: func(obj interface{}) {
				klog.V(6).Infof("workload identity created")
				eventCh <- aadwi.WorkloadIdentityCreated
			},
			DeleteFunc: func(obj interface{}) {
				klog.V(6).Infof("workload identity deleted")
				eventCh <- aadwi.WorkloadIdentityDeleted
			},
			UpdateFunc: func(oldObj, newObj interface{}) {
				klog.V(6).Infof("workload identity updated")
				eventCh <- aadwi.WorkloadIdentityUpdated
			},
		},
	)
	return informer, nil
}

// Start runs the informer until exit is closed.
func (c *Client) Start(exit <-chan struct{}) {
	go c.WorkloadIdentityInformer.Run(exit)
	klog.Info("workload identity watcher started")
}

// SyncCache blocks until the informer cache has synced.
func (c *Client) SyncCache(exit <-chan struct{}) {
	if !cache.WaitForCacheSync(exit, c.WorkloadIdentityInformer.HasSynced) {
		panic("cache could not be synchronized")
	}
}

// List returns all workload identities from the informer cache.
func (c *Client) List() (*[]aadwi.WorkloadIdentity, error) {
	begin := time.Now()
	defer func() { stats.Update(stats.K8sGet, time.Since(begin)) }()

	resList := make([]aadwi.WorkloadIdentity, 0)
	for _, obj := range c.WorkloadIdentityInformer.GetStore().List() {
		instance, ok := obj.(*aadwi.WorkloadIdentity)
		if !ok {
			return nil, fmt.Errorf("could not cast %T to %s", obj, aadwi.CRDResource)
		}
		resList = append(resList, *instance)
	}
	return &resList, nil
}

// Get fetches a workload identity directly from the api server.
func (c *Client) Get(ctx context.Context, namespace, name string) (*aadwi.WorkloadIdentity, error) {
	begin := time.Now()
	defer func() { stats.Update(stats.K8sGet, time.Since(begin)) }()

	var res aadwi.WorkloadIdentity
	err := c.rest.Get().
		Namespace(namespace).
		Resource(aadwi.CRDResource).
		Name(name).
		Do(ctx).
		Into(&res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Update persists spec and metadata changes of the instance.
func (c *Client) Update(ctx context.Context, instance *aadwi.WorkloadIdentity) (*aadwi.WorkloadIdentity, error) {
	begin := time.Now()
	defer func() { stats.Update(stats.K8sPut, time.Since(begin)) }()

	var res aadwi.WorkloadIdentity
	err := c.rest.Put().
		Namespace(instance.Namespace).
		Resource(aadwi.CRDResource).
		Name(instance.Name).
		Body(instance).
		Do(ctx).
		Into(&res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// UpdateStatus persists the status subresource of the instance.
func (c *Client) UpdateStatus(ctx context.Context, instance *aadwi.WorkloadIdentity) (*aadwi.WorkloadIdentity, error) {
	begin := time.Now()
	defer func() { stats.Update(stats.StatusUpdate, time.Since(begin)) }()

	var res aadwi.WorkloadIdentity
	err := c.rest.Put().
		Namespace(instance.Namespace).
		Resource(aadwi.CRDResource).
		Name(instance.Name).
		SubResource("status").
		Body(instance).
		Do(ctx).
		Into(&res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// AddFinalizer adds the cleanup finalizer if it is not already present.
func (c *Client) AddFinalizer(ctx context.Context, instance *aadwi.WorkloadIdentity) (*aadwi.WorkloadIdentity, error) {
	if hasFinalizer(instance) {
		return instance, nil
	}
	updated := instance.DeepCopy()
	updated.Finalizers = append(updated.Finalizers, aadwi.CleanupFinalizer)
	return c.Update(ctx, updated)
}

// RemoveFinalizer removes the cleanup finalizer once downstream objects are
// gone, releasing the instance for deletion.
func (c *Client) RemoveFinalizer(ctx context.Context, instance *aadwi.WorkloadIdentity) (*aadwi.WorkloadIdentity, error) {
	if !hasFinalizer(instance) {
		return instance, nil
	}
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

func hasFinalizer(instance *aadwi.WorkloadIdentity) bool {
	for _, f := range instance.Finalizers {
		if f == aadwi.CleanupFinalizer {
			return true
		}
	}
	return false
}

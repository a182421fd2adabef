package metrics

import (
	"context"
	"sync"
	"time"

	log "github.com/Azure/workload-identity-controller/pkg/logger"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// This const block defines the metric names.
const (
	reconcileCycleDurationName             = "reconcile_cycle_duration_seconds"
	reconcileCycleCountName                = "reconcile_cycle_count"
	reconcileRetryCountName                = "reconcile_retry_count"
	validationErrorsCountName              = "validation_errors_count"
	newLeaderElectionCountName             = "new_leader_election_count"
	cloudProviderOperationsErrorsCountName = "cloud_provider_operations_errors_count"
	cloudProviderOperationsDurationName    = "cloud_provider_operations_duration_seconds"
	kubernetesAPIOperationsErrorsCountName = "kubernetes_api_operations_errors_count"
	managedObjectsDeletedCountName         = "managed_objects_deleted_count"

	// CreateOrUpdateIdentityOperationName ...
	CreateOrUpdateIdentityOperationName = "identity_create_or_update"
	// DeleteIdentityOperationName ...
	DeleteIdentityOperationName = "identity_delete"
	// CreateOrUpdateFederatedCredentialOperationName ...
	CreateOrUpdateFederatedCredentialOperationName = "federated_credential_create_or_update"
	// DeleteFederatedCredentialOperationName ...
	DeleteFederatedCredentialOperationName = "federated_credential_delete"
	// CreateOrUpdateRoleAssignmentOperationName ...
	CreateOrUpdateRoleAssignmentOperationName = "role_assignment_create_or_update"
	// DeleteRoleAssignmentOperationName ...
	DeleteRoleAssignmentOperationName = "role_assignment_delete"
	// CreateOrUpdateRoleDefinitionOperationName ...
	CreateOrUpdateRoleDefinitionOperationName = "role_definition_create_or_update"
	// DeleteRoleDefinitionOperationName ...
	DeleteRoleDefinitionOperationName = "role_definition_delete"
	// ApplyServiceAccountOperationName ...
	ApplyServiceAccountOperationName = "service_account_apply"
	// DeleteServiceAccountOperationName ...
	DeleteServiceAccountOperationName = "service_account_delete"
	// UpdateWorkloadIdentityStatusOperationName ...
	UpdateWorkloadIdentityStatusOperationName = "update_workload_identity_status"
	// AdalTokenOperationName ...
	AdalTokenOperationName = "adal_token"
)

// The following variables are measures
var (
	// ReconcileCycleDurationM is a measure that tracks the duration in seconds of a single reconcile pass.
	ReconcileCycleDurationM = stats.Float64(
		reconcileCycleDurationName,
		"Duration in seconds of a single reconcile cycle",
		stats.UnitMilliseconds)

	// ReconcileCycleCountM is a measure that tracks the cumulative number of reconcile cycles executed.
	ReconcileCycleCountM = stats.Int64(
		reconcileCycleCountName,
		"Total number of reconcile cycles executed",
		stats.UnitDimensionless)

	// ReconcileRetryCountM is a measure that tracks the cumulative number of retried external calls.
	ReconcileRetryCountM = stats.Int64(
		reconcileRetryCountName,
		"Total number of retried external calls",
		stats.UnitDimensionless)

	// ValidationErrorsCountM is a measure that tracks the cumulative number of rejected specs.
	ValidationErrorsCountM = stats.Int64(
		validationErrorsCountName,
		"Total number of specs rejected by validation",
		stats.UnitDimensionless)

	// NewLeaderElectionCountM is a measure that tracks the cumulative number of new leader elections.
	NewLeaderElectionCountM = stats.Int64(
		newLeaderElectionCountName,
		"Total number of new leader elections",
		stats.UnitDimensionless)

	// CloudProviderOperationsErrorsCountM is a measure that tracks the cumulative number of errors in cloud provider operations.
	CloudProviderOperationsErrorsCountM = stats.Int64(
		cloudProviderOperationsErrorsCountName,
		"Total number of errors in cloud provider operations",
		stats.UnitDimensionless)

	// CloudProviderOperationsDurationM is a measure that tracks the duration in seconds of cloud provider operations.
	CloudProviderOperationsDurationM = stats.Float64(
		cloudProviderOperationsDurationName,
		"Duration in seconds of cloud provider operations",
		stats.UnitMilliseconds)

	// KubernetesAPIOperationsErrorsCountM is a measure that tracks the cumulative number of errors in kubernetes api operations.
	KubernetesAPIOperationsErrorsCountM = stats.Int64(
		kubernetesAPIOperationsErrorsCountName,
		"Total number of errors in kubernetes api operations",
		stats.UnitDimensionless)

	// ManagedObjectsDeletedCountM is a measure that tracks the cumulative number of owned objects deleted.
	ManagedObjectsDeletedCountM = stats.Int64(
		managedObjectsDeletedCountName,
		"Total number of managed downstream objects deleted",
		stats.UnitDimensionless)
)

var (
	operationTypeKey = tag.MustNewKey("operation_type")
)

const componentNamespace = "workloadidentity"

// SinceInSeconds gets the time since the specified start in seconds.
func SinceInSeconds(start time.Time) float64 {
	return time.Since(start).Seconds()
}

// registerViews register views to be collected by exporter
func registerViews() error {
	views := []*view.View{
		{
			Description: ReconcileCycleDurationM.Description(),
			Measure:     ReconcileCycleDurationM,
			Aggregation: view.Distribution(0.5, 1, 5, 10, 30, 60, 120, 300, 600, 900, 1200),
		},
		{
			Description: ReconcileCycleCountM.Description(),
			Measure:     ReconcileCycleCountM,
			Aggregation: view.Count(),
		},
		{
			Description: ReconcileRetryCountM.Description(),
			Measure:     ReconcileRetryCountM,
			Aggregation: view.Count(),
			TagKeys:     []tag.Key{operationTypeKey},
		},
		{
			Description: ValidationErrorsCountM.Description(),
			Measure:     ValidationErrorsCountM,
			Aggregation: view.Count(),
		},
		{
			Description: NewLeaderElectionCountM.Description(),
			Measure:     NewLeaderElectionCountM,
			Aggregation: view.Count(),
		},
		{
			Description: CloudProviderOperationsErrorsCountM.Description(),
			Measure:     CloudProviderOperationsErrorsCountM,
			Aggregation: view.Count(),
			TagKeys:     []tag.Key{operationTypeKey},
		},
		{
			Description: CloudProviderOperationsDurationM.Description(),
			Measure:     CloudProviderOperationsDurationM,
			Aggregation: view.Distribution(0.01, 0.02, 0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1, 2, 3, 4, 5, 10),
			TagKeys:     []tag.Key{operationTypeKey},
		},
		{
			Description: KubernetesAPIOperationsErrorsCountM.Description(),
			Measure:     KubernetesAPIOperationsErrorsCountM,
			Aggregation: view.Count(),
			TagKeys:     []tag.Key{operationTypeKey},
		},
		{
			Description: ManagedObjectsDeletedCountM.Description(),
			Measure:     ManagedObjectsDeletedCountM,
			Aggregation: view.Count(),
		},
	}
	return view.Register(views...)
}

// record records the given measure
func record(ctx context.Context, ms ...stats.Measurement) {
	stats.Record(ctx, ms...)
}

// Reporter is stats reporter in the context
type Reporter struct {
	mu  sync.Mutex
	ctx context.Context
}

// NewReporter creates a reporter with new context
func NewReporter() (*Reporter, error) {
	ctx, err := tag.New(
		context.Background(),
	)
	if err != nil {
		return nil, err
	}
	return &Reporter{ctx: ctx, mu: sync.Mutex{}}, nil
}

// Report records the given measure
func (r *Reporter) Report(ms ...stats.Measurement) {
	r.mu.Lock()
	record(r.ctx, ms...)
	r.mu.Unlock()
}

// ReportOperation records given measurement by operation type.
func (r *Reporter) ReportOperation(operationType string, measurement stats.Measurement) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, err := tag.New(
		r.ctx,
		tag.Insert(operationTypeKey, operationType),
	)
	if err != nil {
		return err
	}
	record(ctx, measurement)
	return nil
}

// RegisterAndExport register the views for the measures and expose via prometheus exporter
func RegisterAndExport(port string, log log.Logger) error {
	err := registerViews()
	if err != nil {
		log.Errorf("Failed to register views for metrics. error:%v", err)
		return err
	}
	log.Infof("Registered views for metric")
	exporter, err := newPrometheusExporter(componentNamespace, port, log)
	if err != nil {
		log.Errorf("Prometheus exporter error: %+v", err)
		return err
	}
	view.RegisterExporter(exporter)
	log.Infof("Registered and exported metrics on port %s", port)
	return nil
}

// ReportCloudProviderOperationError reports cloud provider operation error count
func (r *Reporter) ReportCloudProviderOperationError(operation string) error {
	return r.ReportOperation(operation, CloudProviderOperationsErrorsCountM.M(1))
}

// ReportCloudProviderOperationDuration reports cloud provider operation duration
func (r *Reporter) ReportCloudProviderOperationDuration(operation string, duration time.Duration) error {
	return r.ReportOperation(operation, CloudProviderOperationsDurationM.M(duration.Seconds()))
}

// ReportKubernetesAPIOperationError reports kubernetes operation error count
func (r *Reporter) ReportKubernetesAPIOperationError(operation string) error {
	return r.ReportOperation(operation, KubernetesAPIOperationsErrorsCountM.M(1))
}

// ReportRetry reports one retried external call for an operation
func (r *Reporter) ReportRetry(operation string) error {
	return r.ReportOperation(operation, ReconcileRetryCountM.M(1))
}

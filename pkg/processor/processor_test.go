package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/steward/pkg/clusterapi"
	"github.com/cuemby/steward/pkg/clusterapi/clusterapitest"
	"github.com/cuemby/steward/pkg/health"
	"github.com/cuemby/steward/pkg/ledger"
	"github.com/cuemby/steward/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func meta(id string, rt types.ResourceType, op types.OperationType, seq int64) types.OperationMeta {
	return types.OperationMeta{
		ResourceID:              id,
		ResourceType:            rt,
		OperationType:           op,
		OperationSequenceNumber: seq,
	}
}

func serviceDesc(id string, op types.OperationType, seq int64) types.ServiceOperationDescription {
	return types.ServiceOperationDescription{
		OperationMeta:        meta(id, types.ResourceTypeService, op, seq),
		ApplicationName:      "fabric:/shop",
		ServiceName:          id,
		ServiceTypeName:      "CartType",
		Stateful:             true,
		TargetReplicaSetSize: 3,
		MinReplicaSetSize:    2,
		PartitionScheme:      types.PartitionScheme{Kind: types.PartitionKindSingleton},
	}
}

func shopCluster() *clusterapitest.Cluster {
	cluster := clusterapitest.New()
	cluster.SetApplication(types.ApplicationInfo{
		Name:        "fabric:/shop",
		TypeName:    "ShopType",
		TypeVersion: "1.0",
		Status:      types.ApplicationStatusReady,
	})
	return cluster
}

func errorDetails(t *testing.T, status types.OperationStatus) types.ErrorDetails {
	t.Helper()
	var details types.ErrorDetails
	require.NoError(t, json.Unmarshal(status.ErrorDetails, &details))
	return details
}

func TestProcessEmpty(t *testing.T) {
	cluster := clusterapitest.New()
	p := NewServiceProcessor(cluster, ledger.New(), Options{})

	assert.Empty(t, p.Process(context.Background(), nil))
	assert.Zero(t, cluster.Calls("GetService"))
}

func TestDeleteOfAbsentResourceSucceeds(t *testing.T) {
	cluster := shopCluster()
	l := ledger.New()
	p := NewServiceProcessor(cluster, l, Options{})

	statuses := p.Process(context.Background(), []types.ServiceOperationDescription{
		serviceDesc("svc1", types.OperationTypeDelete, 4),
	})

	require.Len(t, statuses, 1)
	assert.Equal(t, types.ResultStatusSucceeded, statuses[0].Status)
	assert.Equal(t, "svc1", statuses[0].ResourceID)
	assert.Equal(t, int64(4), statuses[0].OperationSequenceNumber)
	assert.Zero(t, cluster.Mutations())
	assert.Zero(t, l.Len())
}

func TestDeleteExistingResource(t *testing.T) {
	cluster := shopCluster()
	cluster.SetService(types.ServiceInfo{
		ApplicationName: "fabric:/shop",
		ServiceName:     "svc1",
		Status:          types.ServiceStatusActive,
	})
	l := ledger.New()
	p := NewServiceProcessor(cluster, l, Options{})

	statuses := p.Process(context.Background(), []types.ServiceOperationDescription{
		serviceDesc("svc1", types.OperationTypeDelete, 2),
	})

	require.Len(t, statuses, 1)
	assert.Equal(t, types.ResultStatusSucceeded, statuses[0].Status)
	assert.Equal(t, 1, cluster.Calls("DeleteService"))
	assert.False(t, l.Exists("svc1", 2))
}

func TestInFlightOperationOnlyQueries(t *testing.T) {
	cluster := shopCluster()
	l := ledger.New()
	require.True(t, l.TryAdd("svc1", 1))
	p := NewServiceProcessor(cluster, l, Options{})
	desc := serviceDesc("svc1", types.OperationTypeCreateOrUpdate, 1)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, ok, err := p.CreateOperationStatus(context.Background(), desc)
			assert.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, types.ResultStatusInProgress, status.Status)
		}()
	}
	wg.Wait()

	assert.Zero(t, cluster.Mutations())
	assert.Equal(t, 8, cluster.Calls("GetService"))
	assert.True(t, l.Exists("svc1", 1))
}

func TestNewServiceCreate(t *testing.T) {
	cluster := shopCluster()
	l := ledger.New()
	p := NewServiceProcessor(cluster, l, Options{})
	desc := serviceDesc("svc1", types.OperationTypeCreateOrUpdate, 1)

	status, ok, err := p.CreateOperationStatus(context.Background(), desc)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1, cluster.Calls("CreateService"))
	assert.True(t, l.Exists("svc1", 1))
	assert.NotEqual(t, types.ResultStatusFailed, status.Status)

	// the next cycle releases the terminal status
	statuses := p.Process(context.Background(), []types.ServiceOperationDescription{desc})
	require.Len(t, statuses, 1)
	assert.Equal(t, types.ResultStatusSucceeded, statuses[0].Status)
	assert.Equal(t, 1, cluster.Calls("CreateService"))
	assert.False(t, l.Exists("svc1", 1))
}

func TestLedgerReleasedOnTerminalStatus(t *testing.T) {
	cluster := clusterapitest.New()
	l := ledger.New()
	p := NewApplicationTypeProcessor(cluster, l, Options{})

	statuses := p.Process(context.Background(), []types.ApplicationTypeOperationDescription{{
		OperationMeta: meta("ShopType:1.0", types.ResourceTypeApplicationType, types.OperationTypeCreateOrUpdate, 1),
		TypeName:      "ShopType",
		TypeVersion:   "1.0",
		AppPackageURL: "https://packages.example.com/shop.sfpkg",
	}})

	require.Len(t, statuses, 1)
	assert.Equal(t, types.ResultStatusSucceeded, statuses[0].Status)
	assert.Equal(t, 1, cluster.Calls("ProvisionApplicationType"))
	assert.False(t, l.Exists("ShopType:1.0", 1))
	assert.Zero(t, l.Len())
}

func TestActionFailures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus bool
		wantResult types.ResultStatus
		wantLedger bool
		wantCount  int
	}{
		{
			name:       "transient failure reports nothing",
			err:        clusterapi.Errorf("CreateService", clusterapi.KindTransient, "gateway timeout"),
			wantStatus: false,
			wantCount:  1,
		},
		{
			name:       "fatal failure reports failed",
			err:        clusterapi.Errorf("CreateService", clusterapi.KindFatal, "invalid partition scheme"),
			wantStatus: true,
			wantResult: types.ResultStatusFailed,
			wantCount:  1,
		},
		{
			name:       "unclassified failure is fatal",
			err:        errors.New("boom"),
			wantStatus: true,
			wantResult: types.ResultStatusFailed,
			wantCount:  1,
		},
		{
			name:       "benign failure continues",
			err:        clusterapi.Errorf("CreateService", clusterapi.KindAlreadyInTargetState, "exists"),
			wantStatus: true,
			wantResult: types.ResultStatusInProgress,
			wantLedger: true,
			wantCount:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cluster := shopCluster()
			cluster.SetError("CreateService", tt.err)
			l := ledger.New()
			policy := health.NewPolicy(health.DefaultPolicyConfig("test"), nil)
			p := NewServiceProcessor(cluster, l, Options{Policy: policy})

			statuses := p.Process(context.Background(), []types.ServiceOperationDescription{
				serviceDesc("svc1", types.OperationTypeCreateOrUpdate, 1),
			})
			if tt.wantStatus {
				require.Len(t, statuses, 1)
				assert.Equal(t, tt.wantResult, statuses[0].Status)
			} else {
				assert.Empty(t, statuses)
			}
			assert.Equal(t, tt.wantLedger, l.Exists("svc1", 1))
			assert.Equal(t, tt.wantCount, policy.ContinuousFailures())
		})
	}
}

// faultCounter counts fault escalations
type faultCounter struct {
	mu     sync.Mutex
	faults int
}

func (f *faultCounter) ReportHealth(health.Report) {}

func (f *faultCounter) ReportFault(health.FaultKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults++
}

func (f *faultCounter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.faults
}

func TestFailedBatchCountsOnce(t *testing.T) {
	cluster := clusterapitest.New()
	faults := &faultCounter{}
	policy := health.NewPolicy(health.DefaultPolicyConfig("application-processor"), faults)
	p := NewApplicationProcessor(cluster, ledger.New(), Options{Policy: policy})

	// no application type is provisioned, so every create is rejected
	var descs []types.ApplicationOperationDescription
	for i := range 20 {
		desc := appDesc("1.0", 1)
		desc.ResourceID = fmt.Sprintf("shop-%d", i)
		desc.ApplicationName = fmt.Sprintf("fabric:/shop-%d", i)
		descs = append(descs, desc)
	}

	statuses := p.Process(context.Background(), descs)
	require.Len(t, statuses, 20)
	for _, status := range statuses {
		assert.Equal(t, types.ResultStatusFailed, status.Status)
	}
	assert.Equal(t, 1, policy.ContinuousFailures())
	assert.Zero(t, faults.count())

	p.Process(context.Background(), descs)
	assert.Equal(t, 2, policy.ContinuousFailures())

	cluster.SetApplicationType(types.ApplicationTypeInfo{Name: "ShopType", Version: "1.0", Status: types.ApplicationTypeStatusAvailable})
	p.Process(context.Background(), descs)
	assert.Zero(t, policy.ContinuousFailures())
}

func TestFailedStatusCarriesErrorDetails(t *testing.T) {
	cluster := shopCluster()
	cluster.SetError("CreateService", clusterapi.Errorf("CreateService", clusterapi.KindFatal, "invalid partition scheme"))
	p := NewServiceProcessor(cluster, ledger.New(), Options{})

	statuses := p.Process(context.Background(), []types.ServiceOperationDescription{
		serviceDesc("svc1", types.OperationTypeCreateOrUpdate, 1),
	})

	require.Len(t, statuses, 1)
	details := errorDetails(t, statuses[0])
	assert.Equal(t, string(clusterapi.KindFatal), details.Kind)
	assert.False(t, details.Transient)
	assert.Contains(t, details.Message, "invalid partition scheme")
}

// panicHandler wraps a service handler and panics for one resource
type panicHandler struct {
	*ServiceHandler
	resourceID string
}

func (h panicHandler) Get(ctx context.Context, desc types.ServiceOperationDescription) (Observation, bool, error) {
	if desc.ResourceID == h.resourceID {
		panic("corrupt description")
	}
	return h.ServiceHandler.Get(ctx, desc)
}

func TestProcessIsolatesItems(t *testing.T) {
	cluster := shopCluster()
	l := ledger.New()
	p := New[types.ServiceOperationDescription](panicHandler{ServiceHandler: NewServiceHandler(cluster), resourceID: "bad"}, l, Options{})

	statuses := p.Process(context.Background(), []types.ServiceOperationDescription{
		serviceDesc("svc1", types.OperationTypeCreateOrUpdate, 1),
		serviceDesc("bad", types.OperationTypeCreateOrUpdate, 1),
		serviceDesc("svc2", types.OperationTypeDelete, 1),
	})

	require.Len(t, statuses, 2)
	ids := []string{statuses[0].ResourceID, statuses[1].ResourceID}
	assert.ElementsMatch(t, []string{"svc1", "svc2"}, ids)
}

func TestItemTimeout(t *testing.T) {
	cluster := shopCluster()
	cluster.Hang("GetService")
	p := NewServiceProcessor(cluster, ledger.New(), Options{Timeout: 20 * time.Millisecond})

	start := time.Now()
	statuses := p.Process(context.Background(), []types.ServiceOperationDescription{
		serviceDesc("svc1", types.OperationTypeCreateOrUpdate, 1),
	})

	assert.Empty(t, statuses)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Zero(t, cluster.Mutations())
}

func TestItemTimeoutBoundedByParent(t *testing.T) {
	cluster := shopCluster()
	cluster.Hang("GetService")
	p := NewServiceProcessor(cluster, ledger.New(), Options{Timeout: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	assert.Empty(t, p.Process(ctx, []types.ServiceOperationDescription{
		serviceDesc("svc1", types.OperationTypeCreateOrUpdate, 1),
	}))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestServiceResize(t *testing.T) {
	cluster := shopCluster()
	cluster.SetService(types.ServiceInfo{
		ApplicationName:      "fabric:/shop",
		ServiceName:          "svc1",
		Stateful:             true,
		Status:               types.ServiceStatusActive,
		TargetReplicaSetSize: 3,
		MinReplicaSetSize:    2,
	})
	p := NewServiceProcessor(cluster, ledger.New(), Options{})

	desc := serviceDesc("svc1", types.OperationTypeCreateOrUpdate, 2)
	desc.TargetReplicaSetSize = 5
	statuses := p.Process(context.Background(), []types.ServiceOperationDescription{desc})

	require.Len(t, statuses, 1)
	assert.Equal(t, types.ResultStatusSucceeded, statuses[0].Status)
	require.Len(t, cluster.ServiceUpdates, 1)
	assert.Equal(t, 5, cluster.ServiceUpdates[0].TargetReplicaSetSize)

	// settled at the requested size, nothing more to do
	p.Process(context.Background(), []types.ServiceOperationDescription{desc})
	assert.Len(t, cluster.ServiceUpdates, 1)
}

func TestServiceDiffers(t *testing.T) {
	svc := types.ServiceInfo{Stateful: true, TargetReplicaSetSize: 3, MinReplicaSetSize: 2, PlacementConstraints: "NodeType == a"}

	tests := []struct {
		name string
		edit func(*types.ServiceOperationDescription)
		want bool
	}{
		{name: "same", edit: func(d *types.ServiceOperationDescription) {}, want: false},
		{name: "target", edit: func(d *types.ServiceOperationDescription) { d.TargetReplicaSetSize = 4 }, want: true},
		{name: "min", edit: func(d *types.ServiceOperationDescription) { d.MinReplicaSetSize = 3 }, want: true},
		{name: "unset sizes", edit: func(d *types.ServiceOperationDescription) { d.TargetReplicaSetSize, d.MinReplicaSetSize = 0, 0 }, want: false},
		{name: "placement", edit: func(d *types.ServiceOperationDescription) { d.PlacementConstraints = "NodeType == b" }, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := types.ServiceOperationDescription{Stateful: true, TargetReplicaSetSize: 3, MinReplicaSetSize: 2}
			tt.edit(&desc)
			assert.Equal(t, tt.want, serviceDiffers(desc, svc))
		})
	}

	stateless := types.ServiceInfo{InstanceCount: -1}
	assert.False(t, serviceDiffers(types.ServiceOperationDescription{InstanceCount: -1}, stateless))
	assert.True(t, serviceDiffers(types.ServiceOperationDescription{InstanceCount: 3}, stateless))
}

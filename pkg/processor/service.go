package processor

import (
	"context"

	"github.com/cuemby/steward/pkg/clusterapi"
	"github.com/cuemby/steward/pkg/ledger"
	"github.com/cuemby/steward/pkg/types"
)

// ServiceHandler creates, resizes and deletes services
type ServiceHandler struct {
	client clusterapi.Client
}

var _ Handler[types.ServiceOperationDescription] = (*ServiceHandler)(nil)

// NewServiceHandler creates a service handler
func NewServiceHandler(client clusterapi.Client) *ServiceHandler {
	return &ServiceHandler{client: client}
}

// NewServiceProcessor creates the service processor
func NewServiceProcessor(client clusterapi.Client, l *ledger.Ledger, opts Options) *ResourceProcessor[types.ServiceOperationDescription] {
	return New[types.ServiceOperationDescription](NewServiceHandler(client), l, opts)
}

func (h *ServiceHandler) ResourceType() types.ResourceType {
	return types.ResourceTypeService
}

func (h *ServiceHandler) Get(ctx context.Context, desc types.ServiceOperationDescription) (Observation, bool, error) {
	svc, err := h.client.GetService(ctx, desc.ApplicationName, desc.ServiceName)
	if clusterapi.IsNotFound(err) {
		return Observation{}, false, nil
	}
	if err != nil {
		return Observation{}, false, err
	}

	result := serviceResult(svc.Status)
	return Observation{
		Status: types.NewOperationStatus(desc.OperationMeta, result),
		// only a settled service is resized
		Drifted: result == types.ResultStatusSucceeded && serviceDiffers(desc, svc),
	}, true, nil
}

func (h *ServiceHandler) Create(ctx context.Context, desc types.ServiceOperationDescription) error {
	return h.client.CreateService(ctx, clusterapi.ServiceDescription{
		ApplicationName:      desc.ApplicationName,
		ServiceName:          desc.ServiceName,
		ServiceTypeName:      desc.ServiceTypeName,
		Stateful:             desc.Stateful,
		TargetReplicaSetSize: desc.TargetReplicaSetSize,
		MinReplicaSetSize:    desc.MinReplicaSetSize,
		InstanceCount:        desc.InstanceCount,
		PlacementConstraints: desc.PlacementConstraints,
		PartitionScheme:      desc.PartitionScheme,
	})
}

func (h *ServiceHandler) Update(ctx context.Context, desc types.ServiceOperationDescription) error {
	return h.client.UpdateService(ctx, clusterapi.ServiceUpdateDescription{
		ApplicationName:      desc.ApplicationName,
		ServiceName:          desc.ServiceName,
		Stateful:             desc.Stateful,
		TargetReplicaSetSize: desc.TargetReplicaSetSize,
		MinReplicaSetSize:    desc.MinReplicaSetSize,
		InstanceCount:        desc.InstanceCount,
		PlacementConstraints: desc.PlacementConstraints,
	})
}

func (h *ServiceHandler) Delete(ctx context.Context, desc types.ServiceOperationDescription) error {
	return h.client.DeleteService(ctx, desc.ApplicationName, desc.ServiceName)
}

func serviceResult(status types.ServiceStatus) types.ResultStatus {
	switch status {
	case types.ServiceStatusActive:
		return types.ResultStatusSucceeded
	case types.ServiceStatusFailed:
		return types.ResultStatusFailed
	default:
		return types.ResultStatusInProgress
	}
}

// serviceDiffers compares the resizable fields. Zero values in the request
// mean "leave as is".
func serviceDiffers(desc types.ServiceOperationDescription, svc types.ServiceInfo) bool {
	if desc.PlacementConstraints != "" && desc.PlacementConstraints != svc.PlacementConstraints {
		return true
	}
	if desc.Stateful {
		return (desc.TargetReplicaSetSize != 0 && desc.TargetReplicaSetSize != svc.TargetReplicaSetSize) ||
			(desc.MinReplicaSetSize != 0 && desc.MinReplicaSetSize != svc.MinReplicaSetSize)
	}
	return desc.InstanceCount != 0 && desc.InstanceCount != svc.InstanceCount
}

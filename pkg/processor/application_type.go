package processor

import (
	"context"

	"github.com/cuemby/steward/pkg/clusterapi"
	"github.com/cuemby/steward/pkg/ledger"
	"github.com/cuemby/steward/pkg/types"
)

// ApplicationTypeHandler provisions and unprovisions application type
// versions. A version is immutable, so a provisioned one never drifts.
type ApplicationTypeHandler struct {
	client clusterapi.Client
}

var _ Handler[types.ApplicationTypeOperationDescription] = (*ApplicationTypeHandler)(nil)

// NewApplicationTypeHandler creates an application type handler
func NewApplicationTypeHandler(client clusterapi.Client) *ApplicationTypeHandler {
	return &ApplicationTypeHandler{client: client}
}

// NewApplicationTypeProcessor creates the application type processor
func NewApplicationTypeProcessor(client clusterapi.Client, l *ledger.Ledger, opts Options) *ResourceProcessor[types.ApplicationTypeOperationDescription] {
	return New[types.ApplicationTypeOperationDescription](NewApplicationTypeHandler(client), l, opts)
}

func (h *ApplicationTypeHandler) ResourceType() types.ResourceType {
	return types.ResourceTypeApplicationType
}

func (h *ApplicationTypeHandler) Get(ctx context.Context, desc types.ApplicationTypeOperationDescription) (Observation, bool, error) {
	info, err := h.client.GetApplicationType(ctx, desc.TypeName, desc.TypeVersion)
	if clusterapi.IsNotFound(err) {
		return Observation{}, false, nil
	}
	if err != nil {
		return Observation{}, false, err
	}

	status := types.NewOperationStatus(desc.OperationMeta, applicationTypeResult(info.Status))
	return Observation{Status: status.WithProgress(info)}, true, nil
}

func (h *ApplicationTypeHandler) Create(ctx context.Context, desc types.ApplicationTypeOperationDescription) error {
	return h.client.ProvisionApplicationType(ctx, clusterapi.ProvisionApplicationTypeDescription{
		TypeName:    desc.TypeName,
		TypeVersion: desc.TypeVersion,
		PackageURL:  desc.AppPackageURL,
		Async:       true,
	})
}

func (h *ApplicationTypeHandler) Update(ctx context.Context, desc types.ApplicationTypeOperationDescription) error {
	return nil
}

func (h *ApplicationTypeHandler) Delete(ctx context.Context, desc types.ApplicationTypeOperationDescription) error {
	return h.client.UnprovisionApplicationType(ctx, desc.TypeName, desc.TypeVersion)
}

func applicationTypeResult(status types.ApplicationTypeStatus) types.ResultStatus {
	switch status {
	case types.ApplicationTypeStatusAvailable:
		return types.ResultStatusSucceeded
	case types.ApplicationTypeStatusFailed:
		return types.ResultStatusFailed
	default:
		return types.ResultStatusInProgress
	}
}

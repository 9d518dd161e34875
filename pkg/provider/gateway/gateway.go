// Package gateway is a generic HTTP-backed adapter: it proxies the
// provider contract to a remote adapter service that fronts the actual
// cloud platform. Deployments register it for the service types whose
// endpoint speaks the broker's adapter wire format.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	imrocreq "github.com/imroc/req/v3"

	"github.com/GOSC-CNIC/vms/dao/model"
	"github.com/GOSC-CNIC/vms/pkg/provider"
	"github.com/GOSC-CNIC/vms/pkg/secret"
)

type Client struct {
	endpoint string
	region   string
	req      *imrocreq.Client
}

// New builds a gateway adapter for the service. Credentials are
// decrypted with the passed encryptor and sent as basic auth.
func New(service *model.ServiceConfig, enc *secret.Encryptor) (provider.Adapter, error) {
	password, err := service.RawPassword(enc)
	if err != nil {
		return nil, fmt.Errorf("decrypt service credentials: %w", err)
	}
	c := imrocreq.C().
		SetBaseURL(strings.TrimRight(service.EndpointURL, "/")).
		SetTimeout(30 * time.Second).
		SetCommonBasicAuth(service.Username, password).
		SetCommonErrorResult(&apiError{})
	return &Client{
		endpoint: service.EndpointURL,
		region:   service.RegionID,
		req:      c,
	}, nil
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	resp, err := c.req.R().SetContext(ctx).SetBody(body).SetSuccessResult(out).Post(path)
	if err != nil {
		return err
	}
	if resp.IsErrorState() {
		if apiErr, ok := resp.ErrorResult().(*apiError); ok {
			return apiErr
		}
		return fmt.Errorf("adapter endpoint returned %s", resp.Status)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, params map[string]string, out any) error {
	r := c.req.R().SetContext(ctx).SetSuccessResult(out)
	if params != nil {
		r.SetQueryParams(params)
	}
	resp, err := r.Get(path)
	if err != nil {
		return err
	}
	if resp.IsErrorState() {
		if apiErr, ok := resp.ErrorResult().(*apiError); ok {
			return apiErr
		}
		return fmt.Errorf("adapter endpoint returned %s", resp.Status)
	}
	return nil
}

func (c *Client) ServerCreate(ctx context.Context, in *provider.ServerCreateInput) (*provider.ServerCreateOutput, error) {
	body := map[string]any{
		"ram":        in.RamMB,
		"vcpu":       in.Vcpu,
		"image_id":   in.ImageID,
		"region_id":  in.RegionID,
		"network_id": in.NetworkID,
		"remarks":    in.Remarks,
	}
	var out provider.ServerCreateOutput
	if err := c.post(ctx, "/api/server", body, &out.Server); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ServerDelete(ctx context.Context, in *provider.ServerDeleteInput) error {
	resp, err := c.req.R().SetContext(ctx).
		SetQueryParam("force", fmt.Sprint(in.Force)).
		Delete("/api/server/" + in.InstanceID)
	if err != nil {
		return err
	}
	if resp.IsErrorState() {
		return fmt.Errorf("adapter endpoint returned %s", resp.Status)
	}
	return nil
}

func (c *Client) ServerDetail(ctx context.Context, in *provider.ServerDetailInput) (*provider.ServerDetailOutput, error) {
	var out provider.ServerDetailOutput
	if err := c.get(ctx, "/api/server/"+in.InstanceID, nil, &out.Server); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ServerAction(ctx context.Context, in *provider.ServerActionInput) error {
	body := map[string]any{"action": string(in.Action)}
	return c.post(ctx, "/api/server/"+in.InstanceID+"/action", body, &struct{}{})
}

func (c *Client) ServerStatus(ctx context.Context, in *provider.ServerStatusInput) (*provider.ServerStatusOutput, error) {
	var payload struct {
		StatusCode int `json:"status_code"`
	}
	if err := c.get(ctx, "/api/server/"+in.InstanceID+"/status", nil, &payload); err != nil {
		return nil, err
	}
	return &provider.ServerStatusOutput{Status: provider.ServerStatus(payload.StatusCode)}, nil
}

func (c *Client) NetworkDetail(ctx context.Context, in *provider.NetworkDetailInput) (*provider.NetworkDetailOutput, error) {
	var out provider.NetworkDetailOutput
	if err := c.get(ctx, "/api/network/"+in.NetworkID, nil, &out.Network); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListImages(ctx context.Context, in *provider.ListImagesInput) (*provider.ListImagesOutput, error) {
	var out provider.ListImagesOutput
	if err := c.get(ctx, "/api/image", map[string]string{"region_id": in.RegionID}, &out.Images); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListNetworks(ctx context.Context, in *provider.ListNetworksInput) (*provider.ListNetworksOutput, error) {
	var out provider.ListNetworksOutput
	if err := c.get(ctx, "/api/network", map[string]string{"region_id": in.RegionID}, &out.Networks); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetVPN(ctx context.Context, in *provider.VPNInput) (*provider.VPNOutput, error) {
	var out provider.VPNOutput
	if err := c.get(ctx, "/api/vpn/"+in.Username, nil, &out.VPN); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateVPN(ctx context.Context, in *provider.VPNInput) (*provider.VPNOutput, error) {
	body := map[string]any{"username": in.Username}
	var out provider.VPNOutput
	if err := c.post(ctx, "/api/vpn", body, &out.VPN); err != nil {
		return nil, err
	}
	return &out, nil
}

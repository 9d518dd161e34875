// Package provider defines the contract between the broker core and the
// heterogeneous backend cloud adapters. Concrete EVCloud/OpenStack/
// VMware adapters live outside this repo and register themselves by
// service type; the core only ever talks to the Adapter interface.
package provider

// ServerAction values accepted by Adapter.ServerAction.
type ServerAction string

const (
	ActionStart       ServerAction = "start"
	ActionReboot      ServerAction = "reboot"
	ActionShutdown    ServerAction = "shutdown"
	ActionPoweroff    ServerAction = "poweroff"
	ActionDelete      ServerAction = "delete"
	ActionDeleteForce ServerAction = "delete_force"
)

func (a ServerAction) Valid() bool {
	switch a {
	case ActionStart, ActionReboot, ActionShutdown, ActionPoweroff, ActionDelete, ActionDeleteForce:
		return true
	}
	return false
}

// IsDelete reports whether the action removes the instance and must
// therefore archive the local record and release quota.
func (a ServerAction) IsDelete() bool {
	return a == ActionDelete || a == ActionDeleteForce
}

type ServerCreateInput struct {
	RamMB     int
	Vcpu      int
	ImageID   string
	RegionID  string
	NetworkID string
	Remarks   string
}

type ServerIP struct {
	IPv4       string `json:"ipv4"`
	PublicIPv4 *bool  `json:"public_ipv4"`
}

type ServerImage struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// OutServer is the provider's view of an instance, shared by the create
// and detail calls. Empty fields mean "unknown", never "cleared".
type OutServer struct {
	UUID  string      `json:"uuid"`
	Vcpu  int         `json:"vcpu"`
	RamMB int         `json:"ram"`
	IP    ServerIP    `json:"ip"`
	Image ServerImage `json:"image"`
}

type ServerCreateOutput struct {
	Server OutServer
}

type ServerDetailInput struct {
	InstanceID string
}

type ServerDetailOutput struct {
	Server OutServer
}

type ServerDeleteInput struct {
	InstanceID string
	Force      bool
}

type ServerActionInput struct {
	InstanceID string
	Action     ServerAction
}

type ServerStatusInput struct {
	InstanceID string
}

type ServerStatusOutput struct {
	Status ServerStatus
}

type NetworkDetailInput struct {
	NetworkID string
}

type Network struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Public  bool   `json:"public"`
	Segment string `json:"segment"`
}

type NetworkDetailOutput struct {
	Network Network
}

type ListImagesInput struct {
	RegionID string
}

type ListImagesOutput struct {
	Images []ServerImage
}

type ListNetworksInput struct {
	RegionID string
}

type ListNetworksOutput struct {
	Networks []Network
}

// VPN credential operations; only services with need_vpn use them.
type VPNInput struct {
	Username string
}

type VPN struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Active   bool   `json:"active"`
}

type VPNOutput struct {
	VPN VPN
}

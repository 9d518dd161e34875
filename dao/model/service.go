package model

import (
	"gorm.io/datatypes"

	"github.com/GOSC-CNIC/vms/pkg/secret"
)

type DataCenterStatus int16

const (
	DataCenterEnable  DataCenterStatus = 1
	DataCenterDisable DataCenterStatus = 2
)

// DataCenter is the organization a provider service belongs to.
type DataCenter struct {
	UUIDModel
	Name         string           `gorm:"type:varchar(255);not null;comment:名称" json:"name"`
	NameEn       string           `gorm:"type:varchar(255);comment:英文名称" json:"name_en"`
	Abbreviation string           `gorm:"type:varchar(64);comment:简称" json:"abbreviation"`
	Status       DataCenterStatus `gorm:"type:smallint;default:1;comment:状态" json:"status"`
	Description  string           `gorm:"type:varchar(255);comment:描述" json:"description"`
}

func (DataCenter) TableName() string {
	return "data_center"
}

// ServiceType identifies the backend cloud platform behind a service.
type ServiceType string

const (
	ServiceTypeEVCloud   ServiceType = "evcloud"
	ServiceTypeOpenStack ServiceType = "openstack"
	ServiceTypeVMware    ServiceType = "vmware"
)

type ServiceStatus string

const (
	ServiceStatusEnable  ServiceStatus = "enable"
	ServiceStatusDisable ServiceStatus = "disable"
	ServiceStatusDeleted ServiceStatus = "deleted"
)

// ServiceConfig is an access configuration for one provider service.
// Credentials are stored encrypted; use RawPassword/SetPassword with an
// explicitly constructed Encryptor, never the fields directly.
type ServiceConfig struct {
	UUIDModel
	DataCenterID string         `gorm:"type:varchar(36);index;comment:数据中心" json:"data_center_id"`
	DataCenter   *DataCenter    `gorm:"foreignKey:DataCenterID" json:"data_center,omitempty"`
	Name         string         `gorm:"type:varchar(255);not null;comment:服务名称" json:"name"`
	RegionID     string         `gorm:"type:varchar(128);comment:服务区域/分中心ID" json:"region_id"`
	ServiceType  ServiceType    `gorm:"type:varchar(32);default:evcloud;comment:服务平台类型" json:"service_type"`
	EndpointURL  string         `gorm:"type:varchar(255);uniqueIndex;comment:服务地址url" json:"endpoint_url"`
	APIVersion   string         `gorm:"type:varchar(64);default:v3;comment:API版本" json:"api_version"`
	Username     string         `gorm:"type:varchar(128);comment:服务认证用户名" json:"username"`
	Password     string         `gorm:"type:varchar(255);comment:密码(加密)" json:"-"`
	Status       ServiceStatus  `gorm:"type:varchar(32);default:enable;comment:服务状态" json:"status"`
	Remarks      string         `gorm:"type:varchar(255);comment:备注" json:"remarks"`
	NeedVPN      bool           `gorm:"default:true;comment:是否需要VPN" json:"need_vpn"`
	VPNEndpoint  string         `gorm:"type:varchar(255);comment:VPN服务地址url" json:"vpn_endpoint_url"`
	VPNUsername  string         `gorm:"type:varchar(128);comment:VPN认证用户名" json:"vpn_username"`
	VPNPassword  string         `gorm:"type:varchar(255);comment:VPN密码(加密)" json:"-"`
	Extra        datatypes.JSON `gorm:"comment:其他配置" json:"extra"`
}

func (ServiceConfig) TableName() string {
	return "service_config"
}

func (s *ServiceConfig) IsEnable() bool {
	return s.Status == ServiceStatusEnable
}

func (s *ServiceConfig) RawPassword(e *secret.Encryptor) (string, error) {
	return e.Decrypt(s.Password)
}

func (s *ServiceConfig) SetPassword(e *secret.Encryptor, raw string) error {
	enc, err := e.Encrypt(raw)
	if err != nil {
		return err
	}
	s.Password = enc
	return nil
}

func (s *ServiceConfig) RawVPNPassword(e *secret.Encryptor) (string, error) {
	return e.Decrypt(s.VPNPassword)
}

func (s *ServiceConfig) SetVPNPassword(e *secret.Encryptor, raw string) error {
	enc, err := e.Encrypt(raw)
	if err != nil {
		return err
	}
	s.VPNPassword = enc
	return nil
}

// CheckVPNConfig reports whether the VPN access data is usable. EVCloud
// services reuse the main credentials, so they always pass.
func (s *ServiceConfig) CheckVPNConfig() bool {
	if !s.NeedVPN {
		return true
	}
	if s.ServiceType == ServiceTypeEVCloud {
		return true
	}
	return s.VPNEndpoint != "" && s.VPNUsername != "" && s.VPNPassword != ""
}

// Flavor is a preset vcpu/ram combination selectable at server creation.
type Flavor struct {
	UUIDModel
	Vcpus  int  `gorm:"not null;default:0;comment:虚拟CPU数" json:"vcpus"`
	RamMB  int  `gorm:"column:ram;not null;default:0;comment:内存大小(MB)" json:"ram"`
	Enable bool `gorm:"default:true;comment:是否可用" json:"enable"`
}

func (Flavor) TableName() string {
	return "flavor"
}

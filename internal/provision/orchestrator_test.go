package provision

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"k8s.io/utils/ptr"

	"github.com/GOSC-CNIC/vms/dao/model"
	"github.com/GOSC-CNIC/vms/internal/errs"
	"github.com/GOSC-CNIC/vms/internal/quota"
	"github.com/GOSC-CNIC/vms/pkg/provider"
	"github.com/GOSC-CNIC/vms/pkg/secret"
)

// fakeAdapter scripts provider responses per call.
type fakeAdapter struct {
	createErr    error
	createOut    provider.OutServer
	detailOut    provider.OutServer
	detailErr    error
	networkOut   provider.Network
	networkErr   error
	createCalls  int
	detailCalls  int
	networkCalls int
}

func (f *fakeAdapter) ServerCreate(_ context.Context, _ *provider.ServerCreateInput) (*provider.ServerCreateOutput, error) {
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &provider.ServerCreateOutput{Server: f.createOut}, nil
}

func (f *fakeAdapter) ServerDelete(_ context.Context, _ *provider.ServerDeleteInput) error {
	return nil
}

func (f *fakeAdapter) ServerDetail(_ context.Context, _ *provider.ServerDetailInput) (*provider.ServerDetailOutput, error) {
	f.detailCalls++
	if f.detailErr != nil {
		return nil, f.detailErr
	}
	return &provider.ServerDetailOutput{Server: f.detailOut}, nil
}

func (f *fakeAdapter) ServerAction(_ context.Context, _ *provider.ServerActionInput) error {
	return nil
}

func (f *fakeAdapter) ServerStatus(_ context.Context, _ *provider.ServerStatusInput) (*provider.ServerStatusOutput, error) {
	return &provider.ServerStatusOutput{Status: provider.StatusRunning}, nil
}

func (f *fakeAdapter) NetworkDetail(_ context.Context, _ *provider.NetworkDetailInput) (*provider.NetworkDetailOutput, error) {
	f.networkCalls++
	if f.networkErr != nil {
		return nil, f.networkErr
	}
	return &provider.NetworkDetailOutput{Network: f.networkOut}, nil
}

func (f *fakeAdapter) ListImages(_ context.Context, _ *provider.ListImagesInput) (*provider.ListImagesOutput, error) {
	return &provider.ListImagesOutput{}, nil
}

func (f *fakeAdapter) ListNetworks(_ context.Context, _ *provider.ListNetworksInput) (*provider.ListNetworksOutput, error) {
	return &provider.ListNetworksOutput{}, nil
}

func (f *fakeAdapter) GetVPN(_ context.Context, _ *provider.VPNInput) (*provider.VPNOutput, error) {
	return &provider.VPNOutput{}, nil
}

func (f *fakeAdapter) CreateVPN(_ context.Context, _ *provider.VPNInput) (*provider.VPNOutput, error) {
	return &provider.VPNOutput{}, nil
}

type testEnv struct {
	db      *gorm.DB
	orch    *Orchestrator
	ledger  *quota.QuotaAPI
	adapter *fakeAdapter
	service *model.ServiceConfig
	flavor  *model.Flavor
	user    *model.User
	quota   *model.UserQuota
	builds  *int
}

func newTestEnv(t *testing.T, kind model.ServiceType) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&model.User{}, &model.VirtualOrganization{}, &model.VoMember{},
		&model.DataCenter{}, &model.ServiceConfig{}, &model.Flavor{},
		&model.UserQuota{}, &model.ServicePrivateQuota{}, &model.ServiceShareQuota{},
		&model.Server{}, &model.ServerArchive{}, &model.BuildTask{},
	))

	svc := &model.ServiceConfig{
		Name: "svc", ServiceType: kind,
		EndpointURL: "http://svc.test", Status: model.ServiceStatusEnable,
	}
	require.NoError(t, db.Create(svc).Error)
	require.NoError(t, db.Create(&model.ServicePrivateQuota{
		QuotaBase: model.QuotaBase{
			PrivateIPTotal: 100, PublicIPTotal: 100, VcpuTotal: 1000, RamTotal: 1024000,
		},
		ServiceID: svc.ID, Enable: true,
	}).Error)

	flavor := &model.Flavor{Vcpus: 2, RamMB: 2048, Enable: true}
	require.NoError(t, db.Create(flavor).Error)

	user := &model.User{Username: "zhangsan", Email: "zhangsan@cnic.cn"}
	require.NoError(t, db.Create(user).Error)

	ledger := quota.NewQuotaAPI(db)
	uq, err := ledger.GrantUserQuota(context.Background(), quota.GrantParams{
		Owner:     quota.PersonalOwner{UserID: user.ID},
		ServiceID: svc.ID,
		PrivateIP: 5, PublicIP: 2, Vcpu: 10, RamMB: 10240, DiskSizeGB: 100,
		DurationDays: 365,
	})
	require.NoError(t, err)

	enc, err := secret.NewEncryptor("test-key")
	require.NoError(t, err)
	adapter := &fakeAdapter{
		createOut:  provider.OutServer{UUID: "inst-1"},
		networkOut: provider.Network{ID: "net-1", Public: false},
	}
	registry := provider.NewRegistry(enc)
	var builds int
	registry.Register(kind, func(_ *model.ServiceConfig, _ *secret.Encryptor) (provider.Adapter, error) {
		builds++
		return adapter, nil
	})

	return &testEnv{
		db:      db,
		orch:    NewOrchestrator(db, registry, ledger),
		ledger:  ledger,
		adapter: adapter,
		service: svc,
		flavor:  flavor,
		user:    user,
		quota:   uq,
		builds:  &builds,
	}
}

func (e *testEnv) params() CreateParams {
	return CreateParams{
		UserID:    e.user.ID,
		ServiceID: e.service.ID,
		ImageID:   "img-1",
		FlavorID:  e.flavor.ID,
		NetworkID: "net-1",
		QuotaID:   e.quota.ID,
	}
}

func (e *testEnv) quotaUsed(t *testing.T) (vcpu, ram int) {
	t.Helper()
	var q model.UserQuota
	require.NoError(t, e.db.First(&q, "id = ?", e.quota.ID).Error)
	return q.VcpuUsed, q.RamUsed
}

func TestCreateServerSynchronousProvider(t *testing.T) {
	env := newTestEnv(t, model.ServiceTypeEVCloud)
	env.adapter.detailOut = provider.OutServer{
		UUID: "inst-1", Vcpu: 2, RamMB: 2048,
		IP:    provider.ServerIP{IPv4: "10.0.0.8", PublicIPv4: ptr.To(false)},
		Image: provider.ServerImage{Name: "centos8"},
	}

	server, err := env.orch.CreateServer(context.Background(), env.params())
	require.NoError(t, err)
	assert.Equal(t, "inst-1", server.InstanceID)
	assert.Equal(t, model.TaskCreatedOK, server.TaskStatus)
	assert.Equal(t, "10.0.0.8", server.IPv4)

	vcpu, ram := env.quotaUsed(t)
	assert.Equal(t, 2, vcpu)
	assert.Equal(t, 2048, ram)

	// synchronous path needs no build task
	var count int64
	require.NoError(t, env.db.Model(&model.BuildTask{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)

	// one adapter construction serves the whole request
	assert.Equal(t, 1, *env.builds)
}

func TestCreateServerAsyncProviderEnqueuesBuildTask(t *testing.T) {
	env := newTestEnv(t, model.ServiceTypeOpenStack)

	server, err := env.orch.CreateServer(context.Background(), env.params())
	require.NoError(t, err)
	assert.Equal(t, model.TaskInCreating, server.TaskStatus)

	var task model.BuildTask
	require.NoError(t, env.db.First(&task, "server_id = ?", server.ID).Error)
	assert.Equal(t, model.BuildTaskPending, task.Status)
	// async providers are never asked for detail inline
	assert.Equal(t, 0, env.adapter.detailCalls)
}

func TestCreateServerRollbackOnProviderFailure(t *testing.T) {
	env := newTestEnv(t, model.ServiceTypeOpenStack)
	env.adapter.createErr = errors.New("backend storage pool exhausted")

	_, err := env.orch.CreateServer(context.Background(), env.params())
	require.Error(t, err)
	assert.True(t, errs.IsProviderError(err))
	// the provider's own message survives wrapping
	assert.Contains(t, err.Error(), "backend storage pool exhausted")

	// reservation fully undone
	vcpu, ram := env.quotaUsed(t)
	assert.Equal(t, 0, vcpu)
	assert.Equal(t, 0, ram)

	var count int64
	require.NoError(t, env.db.Model(&model.Server{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestCreateServerShortageAbortsBeforeProvider(t *testing.T) {
	env := newTestEnv(t, model.ServiceTypeOpenStack)
	require.NoError(t, env.db.Model(&model.UserQuota{}).
		Where("id = ?", env.quota.ID).Update("vcpu_used", 9).Error)

	_, err := env.orch.CreateServer(context.Background(), env.params())
	require.Error(t, err)
	assert.True(t, errs.IsQuotaShortage(err))
	assert.Equal(t, 0, env.adapter.createCalls)
}

func TestCreateServerRequiresQuotaID(t *testing.T) {
	env := newTestEnv(t, model.ServiceTypeOpenStack)
	p := env.params()
	p.QuotaID = ""

	_, err := env.orch.CreateServer(context.Background(), p)
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "BadRequest", e.Code)
}

func TestCreateServerPublicNetworkUsesPublicIPQuota(t *testing.T) {
	env := newTestEnv(t, model.ServiceTypeOpenStack)
	env.adapter.networkOut = provider.Network{ID: "net-1", Public: true}

	server, err := env.orch.CreateServer(context.Background(), env.params())
	require.NoError(t, err)
	assert.True(t, server.PublicIP)

	var q model.UserQuota
	require.NoError(t, env.db.First(&q, "id = ?", env.quota.ID).Error)
	assert.Equal(t, 1, q.PublicIPUsed)
	assert.Equal(t, 0, q.PrivateIPUsed)
}

func TestCreateServerDisabledFlavorRejected(t *testing.T) {
	env := newTestEnv(t, model.ServiceTypeOpenStack)
	require.NoError(t, env.db.Model(&model.Flavor{}).
		Where("id = ?", env.flavor.ID).Update("enable", false).Error)

	_, err := env.orch.CreateServer(context.Background(), env.params())
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "FlavorNotExist", e.Code)
}

package servermgr

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

type stubAdapter struct {
	detailOut provider.OutServer
	detailErr error
	deleteErr error
	actionErr error
	statusOut provider.ServerStatus
	statusErr error

	detailCalls int
	deleteCalls int
	actionCalls int
}

func (s *stubAdapter) ServerCreate(_ context.Context, _ *provider.ServerCreateInput) (*provider.ServerCreateOutput, error) {
	return nil, errors.New("not scripted")
}

func (s *stubAdapter) ServerDelete(_ context.Context, _ *provider.ServerDeleteInput) error {
	s.deleteCalls++
	return s.deleteErr
}

func (s *stubAdapter) ServerDetail(_ context.Context, _ *provider.ServerDetailInput) (*provider.ServerDetailOutput, error) {
	s.detailCalls++
	if s.detailErr != nil {
		return nil, s.detailErr
	}
	return &provider.ServerDetailOutput{Server: s.detailOut}, nil
}

func (s *stubAdapter) ServerAction(_ context.Context, _ *provider.ServerActionInput) error {
	s.actionCalls++
	return s.actionErr
}

func (s *stubAdapter) ServerStatus(_ context.Context, _ *provider.ServerStatusInput) (*provider.ServerStatusOutput, error) {
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	return &provider.ServerStatusOutput{Status: s.statusOut}, nil
}

func (s *stubAdapter) NetworkDetail(_ context.Context, _ *provider.NetworkDetailInput) (*provider.NetworkDetailOutput, error) {
	return &provider.NetworkDetailOutput{}, nil
}

func (s *stubAdapter) ListImages(_ context.Context, _ *provider.ListImagesInput) (*provider.ListImagesOutput, error) {
	return &provider.ListImagesOutput{}, nil
}

func (s *stubAdapter) ListNetworks(_ context.Context, _ *provider.ListNetworksInput) (*provider.ListNetworksOutput, error) {
	return &provider.ListNetworksOutput{}, nil
}

func (s *stubAdapter) GetVPN(_ context.Context, _ *provider.VPNInput) (*provider.VPNOutput, error) {
	return &provider.VPNOutput{}, nil
}

func (s *stubAdapter) CreateVPN(_ context.Context, _ *provider.VPNInput) (*provider.VPNOutput, error) {
	return &provider.VPNOutput{}, nil
}

type fixture struct {
	db      *gorm.DB
	mgr     *Manager
	ledger  *quota.QuotaAPI
	adapter *stubAdapter
	service *model.ServiceConfig
	user    *model.User
	quota   *model.UserQuota
}

func newFixture(t *testing.T) *fixture {
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
		Name: "svc", ServiceType: model.ServiceTypeEVCloud,
		EndpointURL: "http://svc.test", Status: model.ServiceStatusEnable,
	}
	require.NoError(t, db.Create(svc).Error)
	require.NoError(t, db.Create(&model.ServicePrivateQuota{
		QuotaBase: model.QuotaBase{
			PrivateIPTotal: 100, PublicIPTotal: 100, VcpuTotal: 1000, RamTotal: 1024000,
		},
		ServiceID: svc.ID, Enable: true,
	}).Error)

	user := &model.User{Username: "zhangsan", Email: "zhangsan@cnic.cn"}
	require.NoError(t, db.Create(user).Error)

	ledger := quota.NewQuotaAPI(db)
	uq, err := ledger.GrantUserQuota(context.Background(), quota.GrantParams{
		Owner:     quota.PersonalOwner{UserID: user.ID},
		ServiceID: svc.ID,
		PrivateIP: 5, PublicIP: 2, Vcpu: 10, RamMB: 10240,
		DurationDays: 365,
	})
	require.NoError(t, err)

	enc, err := secret.NewEncryptor("test-key")
	require.NoError(t, err)
	adapter := &stubAdapter{statusOut: provider.StatusRunning}
	registry := provider.NewRegistry(enc)
	registry.Register(model.ServiceTypeEVCloud, func(_ *model.ServiceConfig, _ *secret.Encryptor) (provider.Adapter, error) {
		return adapter, nil
	})

	mgr := NewManager(db, registry, ledger)
	mgr.SetRefreshSampler(func(model.ServiceType) bool { return true })

	return &fixture{db: db, mgr: mgr, ledger: ledger, adapter: adapter, service: svc, user: user, quota: uq}
}

// createServer reserves quota and inserts a server row backed by it, so
// delete tests can observe the release.
func (f *fixture) createServer(t *testing.T, status model.TaskStatus) *model.Server {
	t.Helper()
	_, err := f.ledger.ServerCreateQuotaApply(context.Background(),
		f.service, quota.PersonalOwner{UserID: f.user.ID}, 2, 2048, false, f.quota.ID)
	require.NoError(t, err)

	s := &model.Server{
		ServiceID:   f.service.ID,
		Service:     f.service,
		InstanceID:  "inst-1",
		Name:        "inst-1",
		UserID:      f.user.ID,
		UserQuotaID: ptr.To(f.quota.ID),
		Vcpus:       2,
		RamMB:       2048,
		IPv4:        "10.0.0.8",
		Image:       "centos8",
		TaskStatus:  status,
	}
	require.NoError(t, f.db.Create(s).Error)
	return s
}

func TestDeleteArchivesAndReleasesQuota(t *testing.T) {
	f := newFixture(t)
	s := f.createServer(t, model.TaskCreatedOK)

	archived, err := f.mgr.Delete(context.Background(), s, false)
	require.NoError(t, err)
	assert.True(t, archived)

	// live row gone
	var count int64
	require.NoError(t, f.db.Model(&model.Server{}).Where("id = ?", s.ID).Count(&count).Error)
	assert.EqualValues(t, 0, count)

	// archive row carries the same resource snapshot
	var arch model.ServerArchive
	require.NoError(t, f.db.First(&arch, "server_id = ?", s.ID).Error)
	assert.Equal(t, s.InstanceID, arch.InstanceID)
	assert.Equal(t, s.Vcpus, arch.Vcpus)
	assert.Equal(t, s.RamMB, arch.RamMB)
	assert.Equal(t, s.IPv4, arch.IPv4)
	assert.False(t, arch.DeletedTime.IsZero())

	// quota footprint fully credited back
	var q model.UserQuota
	require.NoError(t, f.db.First(&q, "id = ?", f.quota.ID).Error)
	assert.Equal(t, 0, q.VcpuUsed)
	assert.Equal(t, 0, q.RamUsed)
	assert.Equal(t, 0, q.PrivateIPUsed)
}

func TestDeleteFailsClosedOnProviderError(t *testing.T) {
	f := newFixture(t)
	s := f.createServer(t, model.TaskCreatedOK)
	f.adapter.deleteErr = errors.New("instance is locked")

	archived, err := f.mgr.Delete(context.Background(), s, false)
	require.Error(t, err)
	assert.False(t, archived)
	assert.True(t, errs.IsProviderError(err))

	// no local change at all: row alive, quota untouched
	var count int64
	require.NoError(t, f.db.Model(&model.Server{}).Where("id = ?", s.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
	var q model.UserQuota
	require.NoError(t, f.db.First(&q, "id = ?", f.quota.ID).Error)
	assert.Equal(t, 2, q.VcpuUsed)
}

func TestActionDeleteArchives(t *testing.T) {
	f := newFixture(t)
	s := f.createServer(t, model.TaskCreatedOK)

	require.NoError(t, f.mgr.Action(context.Background(), s, provider.ActionDeleteForce))
	var arch model.ServerArchive
	require.NoError(t, f.db.First(&arch, "server_id = ?", s.ID).Error)
}

func TestActionDeleteReportsArchiveFailure(t *testing.T) {
	f := newFixture(t)
	s := f.createServer(t, model.TaskCreatedOK)
	require.NoError(t, f.db.Migrator().DropTable(&model.ServerArchive{}))

	err := f.mgr.Action(context.Background(), s, provider.ActionDeleteForce)
	require.Error(t, err)

	// the live row must survive so the caller can retry
	var live model.Server
	require.NoError(t, f.db.First(&live, "id = ?", s.ID).Error)
}

func TestActionRejectsUnknownVerb(t *testing.T) {
	f := newFixture(t)
	s := f.createServer(t, model.TaskCreatedOK)

	err := f.mgr.Action(context.Background(), s, provider.ServerAction("suspend"))
	require.Error(t, err)
	assert.Equal(t, 0, f.adapter.actionCalls)
}

func TestStatusOverrideWhileCreating(t *testing.T) {
	f := newFixture(t)
	s := f.createServer(t, model.TaskInCreating)
	f.adapter.statusOut = provider.StatusNoState

	code, text, err := f.mgr.Status(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusBuilding, code)
	assert.Equal(t, "building", text)

	// once the build is done, no-state passes through unmasked
	s2 := &model.Server{
		ServiceID: f.service.ID, Service: f.service, InstanceID: "inst-2",
		UserID: f.user.ID, TaskStatus: model.TaskCreatedOK, IPv4: "10.0.0.9",
	}
	require.NoError(t, f.db.Create(s2).Error)
	code, text, err = f.mgr.Status(context.Background(), s2)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusNoState, code)
	assert.Equal(t, "no state", text)
}

func TestStatusNormalFinalizesBuildInline(t *testing.T) {
	f := newFixture(t)
	s := f.createServer(t, model.TaskInCreating)
	f.adapter.statusOut = provider.StatusRunning
	f.adapter.detailOut = provider.OutServer{
		UUID: "inst-1", Vcpu: 2, RamMB: 2048,
		IP:    provider.ServerIP{IPv4: "10.0.0.8"},
		Image: provider.ServerImage{Name: "centos8"},
	}

	code, _, err := f.mgr.Status(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusRunning, code)

	var saved model.Server
	require.NoError(t, f.db.First(&saved, "id = ?", s.ID).Error)
	assert.Equal(t, model.TaskCreatedOK, saved.TaskStatus)
}

func TestFetchAndReconcileUpdatesOnlyChangedFields(t *testing.T) {
	f := newFixture(t)
	s := f.createServer(t, model.TaskCreatedOK)
	// provider reports a new address but an empty image name
	f.adapter.detailOut = provider.OutServer{
		UUID: "inst-1", Vcpu: 4, RamMB: 2048,
		IP: provider.ServerIP{IPv4: "10.0.0.20", PublicIPv4: ptr.To(false)},
	}

	got, err := f.mgr.FetchAndReconcile(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.20", got.IPv4)
	assert.Equal(t, 4, got.Vcpus)
	// empty provider value must not clear the local field
	assert.Equal(t, "centos8", got.Image)

	var saved model.Server
	require.NoError(t, f.db.First(&saved, "id = ?", s.ID).Error)
	assert.Equal(t, "10.0.0.20", saved.IPv4)
	assert.Equal(t, "centos8", saved.Image)
}

func TestFetchAndReconcileSkipsWhenSampledOut(t *testing.T) {
	f := newFixture(t)
	s := f.createServer(t, model.TaskCreatedOK)
	f.mgr.SetRefreshSampler(func(model.ServiceType) bool { return false })

	_, err := f.mgr.FetchAndReconcile(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 0, f.adapter.detailCalls)

	// incomplete metadata is always refreshed, sampler or not
	require.NoError(t, f.db.Model(&model.Server{}).Where("id = ?", s.ID).Update("ipv4", "").Error)
	s.IPv4 = ""
	_, err = f.mgr.FetchAndReconcile(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 1, f.adapter.detailCalls)
}

func TestUpdateRemarks(t *testing.T) {
	f := newFixture(t)
	s := f.createServer(t, model.TaskCreatedOK)

	require.NoError(t, f.mgr.UpdateRemarks(context.Background(), s, "dev box"))
	var saved model.Server
	require.NoError(t, f.db.First(&saved, "id = ?", s.ID).Error)
	assert.Equal(t, "dev box", saved.Remarks)

	gone := &model.Server{}
	gone.ID = "missing"
	err := f.mgr.UpdateRemarks(context.Background(), gone, "x")
	assert.True(t, errs.IsServerNotExist(err))
}

func TestPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := &model.User{Username: "lisi", Email: "lisi@cnic.cn"}
	require.NoError(t, f.db.Create(other).Error)
	member := &model.User{Username: "wangwu", Email: "wangwu@cnic.cn"}
	require.NoError(t, f.db.Create(member).Error)
	leader := &model.User{Username: "zhaoliu", Email: "zhaoliu@cnic.cn"}
	require.NoError(t, f.db.Create(leader).Error)

	personal := f.createServer(t, model.TaskCreatedOK)
	assert.NoError(t, f.mgr.CheckReadPerm(ctx, personal, f.user.ID))
	assert.Error(t, f.mgr.CheckReadPerm(ctx, personal, other.ID))
	assert.NoError(t, f.mgr.CheckManagePerm(ctx, personal, f.user.ID))
	assert.Error(t, f.mgr.CheckManagePerm(ctx, personal, other.ID))

	vo := &model.VirtualOrganization{Name: "hpc", OwnerID: f.user.ID, Status: model.VoStatusActive}
	require.NoError(t, f.db.Create(vo).Error)
	require.NoError(t, f.db.Create(&model.VoMember{VoID: vo.ID, UserID: member.ID, Role: model.VoRoleMember}).Error)
	require.NoError(t, f.db.Create(&model.VoMember{VoID: vo.ID, UserID: leader.ID, Role: model.VoRoleLeader}).Error)

	voServer := &model.Server{
		ServiceID: f.service.ID, Service: f.service, InstanceID: "inst-vo",
		UserID: member.ID, Classification: model.ClassificationVo, VoID: ptr.To(vo.ID),
		TaskStatus: model.TaskCreatedOK,
	}
	require.NoError(t, f.db.Create(voServer).Error)

	// any member reads; strangers do not
	assert.NoError(t, f.mgr.CheckReadPerm(ctx, voServer, member.ID))
	assert.NoError(t, f.mgr.CheckReadPerm(ctx, voServer, f.user.ID))
	assert.Error(t, f.mgr.CheckReadPerm(ctx, voServer, other.ID))

	// manage: creator, vo owner, leaders; plain members do not
	assert.NoError(t, f.mgr.CheckManagePerm(ctx, voServer, member.ID))
	assert.NoError(t, f.mgr.CheckManagePerm(ctx, voServer, f.user.ID))
	assert.NoError(t, f.mgr.CheckManagePerm(ctx, voServer, leader.ID))

	voServer2 := &model.Server{
		ServiceID: f.service.ID, Service: f.service, InstanceID: "inst-vo2",
		UserID: leader.ID, Classification: model.ClassificationVo, VoID: ptr.To(vo.ID),
		TaskStatus: model.TaskCreatedOK,
	}
	require.NoError(t, f.db.Create(voServer2).Error)
	assert.Error(t, f.mgr.CheckManagePerm(ctx, voServer2, member.ID))
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"bitbucket.org/propfocus/appraisal_backend/models"
	"bitbucket.org/propfocus/appraisal_backend/utils"
)

// In-memory PipelineStores double. Transact runs against the same store, so
// every write is visible immediately; uniqueness is enforced the way the
// database would, by returning the winner with created=false.
type memStores struct {
	workOrders map[int]*models.WorkOrder
	snapshots  []models.ContractSnapshot
	packs      []*models.ReportPack
	jobs       []*models.GenerationJob
	releases   []*models.DeliverableRelease
	queued     []*models.RenderQueueRecord
	auditNotes []string
	seq        int
}

func newMemStores() *memStores {
	return &memStores{workOrders: map[int]*models.WorkOrder{}}
}

func (s *memStores) nextId() int {
	s.seq++
	return s.seq
}

func (s *memStores) Transact(ctx context.Context, fn func(PipelineStores) error) error {
	return fn(s)
}

func (s *memStores) WorkOrders() WorkOrderStore { return &memWorkOrders{s} }
func (s *memStores) Snapshots() SnapshotStore   { return &memSnapshots{s} }
func (s *memStores) Packs() PackStore           { return &memPacks{s} }
func (s *memStores) Jobs() JobStore             { return &memJobs{s} }
func (s *memStores) Releases() ReleaseStore     { return &memReleases{s} }
func (s *memStores) Queue() QueueNotifier       { return &memQueue{s} }
func (s *memStores) Audit() AuditSink           { return &memAudit{s} }

type memWorkOrders struct{ s *memStores }

func (m *memWorkOrders) Get(ctx context.Context, orgId string, id int) (*models.WorkOrder, error) {
	wo, ok := m.s.workOrders[id]
	if !ok || wo.OrgId != orgId {
		return nil, NewNotFoundError("work order")
	}
	return wo, nil
}

func (m *memWorkOrders) LinkReportPack(ctx context.Context, orgId string, workOrderId int, packId int) error {
	wo, ok := m.s.workOrders[workOrderId]
	if !ok {
		return NewNotFoundError("work order")
	}
	wo.ReportPackId = &packId
	return nil
}

func (m *memWorkOrders) UpdateBillingHooks(ctx context.Context, orgId string, workOrderId int, hooks models.BillingHooks) error {
	wo, ok := m.s.workOrders[workOrderId]
	if !ok {
		return NewNotFoundError("work order")
	}
	raw, err := utils.MarshalToJSON(hooks)
	if err != nil {
		return err
	}
	wo.BillingHooksJson = raw
	return nil
}

type memSnapshots struct{ s *memStores }

func (m *memSnapshots) Latest(ctx context.Context, orgId string, workOrderId int) (*models.ContractSnapshot, error) {
	var latest *models.ContractSnapshot
	for i := range m.s.snapshots {
		snap := &m.s.snapshots[i]
		if snap.OrgId != orgId || snap.WorkOrderId != workOrderId {
			continue
		}
		if latest == nil || snap.Version > latest.Version {
			latest = snap
		}
	}
	if latest == nil {
		return nil, NewNotFoundError("contract snapshot")
	}
	return latest, nil
}

type memPacks struct{ s *memStores }

func (m *memPacks) ForWorkOrder(ctx context.Context, orgId string, workOrderId int) (*models.ReportPack, error) {
	for _, p := range m.s.packs {
		if p.OrgId == orgId && p.WorkOrderId == workOrderId {
			return p, nil
		}
	}
	return nil, NewNotFoundError("report pack")
}

func (m *memPacks) NextVersion(ctx context.Context, templateKey string, assignmentId int) (int, error) {
	max := 0
	for _, p := range m.s.packs {
		if p.TemplateKey == templateKey && p.AssignmentId == assignmentId && p.Version > max {
			max = p.Version
		}
	}
	return max + 1, nil
}

func (m *memPacks) InsertOrFetch(ctx context.Context, pack *models.ReportPack) (*models.ReportPack, bool, error) {
	for _, p := range m.s.packs {
		if p.TemplateKey == pack.TemplateKey && p.AssignmentId == pack.AssignmentId && p.Version == pack.Version {
			return p, false, nil
		}
	}
	pack.ID = m.s.nextId()
	m.s.packs = append(m.s.packs, pack)
	return pack, true, nil
}

type memJobs struct{ s *memStores }

func (m *memJobs) ForPack(ctx context.Context, orgId string, packId int) (*models.GenerationJob, error) {
	for _, j := range m.s.jobs {
		if j.OrgId == orgId && j.ReportPackId == packId {
			return j, nil
		}
	}
	return nil, NewNotFoundError("generation job")
}

func (m *memJobs) ByIdempotencyKey(ctx context.Context, orgId string, idempotencyKey string) (*models.GenerationJob, error) {
	for _, j := range m.s.jobs {
		if j.OrgId == orgId && j.IdempotencyKey == idempotencyKey {
			return j, nil
		}
	}
	return nil, NewNotFoundError("generation job")
}

func (m *memJobs) InsertOrFetch(ctx context.Context, job *models.GenerationJob) (*models.GenerationJob, bool, error) {
	for _, j := range m.s.jobs {
		if j.OrgId == job.OrgId && j.IdempotencyKey == job.IdempotencyKey {
			return j, false, nil
		}
	}
	job.ID = m.s.nextId()
	m.s.jobs = append(m.s.jobs, job)
	return job, true, nil
}

type memReleases struct{ s *memStores }

func (m *memReleases) ByIdempotencyKey(ctx context.Context, orgId string, idempotencyKey string) (*models.DeliverableRelease, error) {
	for _, r := range m.s.releases {
		if r.OrgId == orgId && r.IdempotencyKey == idempotencyKey {
			return r, nil
		}
	}
	return nil, NewNotFoundError("deliverable release")
}

func (m *memReleases) Successful(ctx context.Context, orgId string, workOrderId int, packId int) (*models.DeliverableRelease, error) {
	for _, r := range m.s.releases {
		if r.OrgId == orgId && r.WorkOrderId == workOrderId && r.ReportPackId == packId && r.GateResult.IsSuccessful() {
			return r, nil
		}
	}
	return nil, NewNotFoundError("deliverable release")
}

func (m *memReleases) InsertOrFetch(ctx context.Context, release *models.DeliverableRelease) (*models.DeliverableRelease, bool, error) {
	for _, r := range m.s.releases {
		if r.OrgId == release.OrgId && r.IdempotencyKey == release.IdempotencyKey {
			return r, false, nil
		}
	}
	if release.SuccessKey != nil {
		for _, r := range m.s.releases {
			if r.OrgId == release.OrgId && r.SuccessKey != nil && *r.SuccessKey == *release.SuccessKey {
				return r, false, nil
			}
		}
	}
	release.ID = m.s.nextId()
	m.s.releases = append(m.s.releases, release)
	return release, true, nil
}

type memQueue struct{ s *memStores }

func (m *memQueue) EnqueueRender(ctx context.Context, record *models.RenderQueueRecord) error {
	m.s.queued = append(m.s.queued, record)
	return nil
}

type memAudit struct{ s *memStores }

func (m *memAudit) Note(ctx context.Context, orgId string, actionType string, refId int, refType string, before interface{}, after interface{}, description string, requestId string) {
	m.s.auditNotes = append(m.s.auditNotes, actionType)
}

type fakeExporter struct {
	bundle *ExportBundle
	err    error
	calls  int
}

func (f *fakeExporter) ExportWorkOrder(ctx context.Context, orgId string, workOrderId int, snapshotVersion int) (*ExportBundle, error) {
	f.calls++
	return f.bundle, f.err
}

func (f *fakeExporter) GetWorkOrderDetail(ctx context.Context, orgId string, workOrderId int) (*WorkOrderDetail, error) {
	return nil, NewNotFoundError("work order")
}

type fakeBilling struct {
	invoice    *ServiceInvoice
	invoiceErr error
	consumeErr error
	consumed   []string
	usage      []UsageEvent
}

func (f *fakeBilling) GetServiceInvoice(ctx context.Context, orgId string, invoiceId string) (*ServiceInvoice, error) {
	if f.invoiceErr != nil {
		return nil, f.invoiceErr
	}
	return f.invoice, nil
}

func (f *fakeBilling) ConsumeCredits(ctx context.Context, reservationId string, idempotencyKey string) (*CreditConsumption, error) {
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	f.consumed = append(f.consumed, reservationId)
	return &CreditConsumption{LedgerId: fmt.Sprintf("ledger-%s", reservationId)}, nil
}

func (f *fakeBilling) IngestUsageEvent(ctx context.Context, event UsageEvent) error {
	f.usage = append(f.usage, event)
	return nil
}

const testOrg = "org-1"

func testCtx() context.Context {
	return utils.SetOrgIdInContext(context.Background(), testOrg)
}

func seedReadyWorkOrder(t *testing.T, stores *memStores) *models.WorkOrder {
	t.Helper()

	contract := models.EmptyContract(models.ReportTypeLandAndBuilding, "tester")
	contract.Party.BankName = "Jana Sahakari Bank"
	contract.ValuationInputs.AdoptedTotalValue = dptr("12345")
	result, err := ComputeContract(contract, "")
	if err != nil {
		t.Fatalf("ComputeContract: %v", err)
	}
	contractJson, err := utils.MarshalToJSON(result.Contract)
	if err != nil {
		t.Fatalf("marshal contract: %v", err)
	}

	wo := &models.WorkOrder{
		ID:           stores.nextId(),
		OrgId:        testOrg,
		AssignmentId: 7,
		ReportType:   models.ReportTypeLandAndBuilding,
		BankType:     models.BankTypeCooperative,
		Status:       models.WorkOrderStatusReadyForRender,
	}
	stores.workOrders[wo.ID] = wo
	stores.snapshots = append(stores.snapshots, models.ContractSnapshot{
		ID:           stores.nextId(),
		OrgId:        testOrg,
		WorkOrderId:  wo.ID,
		Version:      3,
		ContractJson: contractJson,
	})
	return wo
}

func testBundle(workOrderId int) *ExportBundle {
	return &ExportBundle{
		OrgId:           testOrg,
		WorkOrderId:     workOrderId,
		AssignmentId:    7,
		ReportType:      models.ReportTypeLandAndBuilding,
		SnapshotVersion: 3,
	}
}

func TestEnsureReportPack_CreatesOnceThenIdempotent(t *testing.T) {
	stores := newMemStores()
	wo := seedReadyWorkOrder(t, stores)
	exporter := &fakeExporter{bundle: testBundle(wo.ID)}
	ctx := testCtx()

	first, err := EnsureReportPackForWorkOrder(ctx, stores, exporter, EnsureReportPackInput{WorkOrderId: wo.ID, Actor: "tester"})
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if first.Idempotent {
		t.Fatal("first call must create, not replay")
	}
	if first.Pack == nil || first.Pack.Version != 1 {
		t.Fatalf("pack = %+v, want version 1", first.Pack)
	}
	if first.Pack.TemplateKey != "LAND_AND_BUILDING:COOP_GENERIC" {
		t.Fatalf("template key = %s", first.Pack.TemplateKey)
	}
	if first.Pack.ReportFamily != "COOP" {
		t.Fatalf("report family = %s, want COOP", first.Pack.ReportFamily)
	}
	if first.Pack.SnapshotVersion != 3 {
		t.Fatalf("pack pinned to snapshot %d, want 3", first.Pack.SnapshotVersion)
	}
	if first.Job == nil || first.Job.Status != models.GenerationJobStatusQueued {
		t.Fatalf("job = %+v, want a QUEUED job", first.Job)
	}
	if first.Job.IdempotencyKey != DefaultJobIdempotencyKey(wo.ID, 3) {
		t.Fatalf("job key = %s", first.Job.IdempotencyKey)
	}
	if first.RenderPayload == nil {
		t.Fatal("new job must carry a render payload")
	}
	if wo.ReportPackId == nil || *wo.ReportPackId != first.Pack.ID {
		t.Fatal("work order not linked to the created pack")
	}
	if len(stores.queued) != 1 {
		t.Fatalf("queued = %d, want 1", len(stores.queued))
	}
	if stores.queued[0].ExportBundleHash != first.Pack.ExportBundleHash {
		t.Fatal("queued payload must carry the pack's bundle hash")
	}

	second, err := EnsureReportPackForWorkOrder(ctx, stores, exporter, EnsureReportPackInput{WorkOrderId: wo.ID, Actor: "tester"})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !second.Idempotent {
		t.Fatal("second call must be idempotent")
	}
	if second.Pack.ID != first.Pack.ID || second.Job.ID != first.Job.ID {
		t.Fatal("second call must return the original pack and job")
	}
	if second.RenderPayload != nil {
		t.Fatal("replay must not re-enqueue")
	}
	if len(stores.packs) != 1 || len(stores.jobs) != 1 || len(stores.queued) != 1 {
		t.Fatalf("replay wrote rows: packs=%d jobs=%d queued=%d", len(stores.packs), len(stores.jobs), len(stores.queued))
	}
	if exporter.calls != 1 {
		t.Fatalf("exporter called %d times, want 1", exporter.calls)
	}
}

func TestEnsureReportPack_RejectsUnreadyWorkOrder(t *testing.T) {
	stores := newMemStores()
	wo := seedReadyWorkOrder(t, stores)
	wo.Status = models.WorkOrderStatusDataPending

	_, err := EnsureReportPackForWorkOrder(testCtx(), stores, &fakeExporter{bundle: testBundle(wo.ID)}, EnsureReportPackInput{WorkOrderId: wo.ID})
	if !IsValidationError(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestEnsureReportPack_RequiresSnapshot(t *testing.T) {
	stores := newMemStores()
	wo := seedReadyWorkOrder(t, stores)
	stores.snapshots = nil

	_, err := EnsureReportPackForWorkOrder(testCtx(), stores, &fakeExporter{bundle: testBundle(wo.ID)}, EnsureReportPackInput{WorkOrderId: wo.ID})
	if !IsValidationError(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestEnsureReportPack_RequiresOrgInContext(t *testing.T) {
	stores := newMemStores()
	wo := seedReadyWorkOrder(t, stores)

	_, err := EnsureReportPackForWorkOrder(context.Background(), stores, &fakeExporter{bundle: testBundle(wo.ID)}, EnsureReportPackInput{WorkOrderId: wo.ID})
	if !IsValidationError(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestHashExportBundle_Stable(t *testing.T) {
	a, err := HashExportBundle(testBundle(1))
	if err != nil {
		t.Fatal(err)
	}
	b, err := HashExportBundle(testBundle(1))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("equal bundles hashed unequal: %s vs %s", a, b)
	}
	c, err := HashExportBundle(testBundle(2))
	if err != nil {
		t.Fatal(err)
	}
	if a == c {
		t.Fatal("different bundles hashed equal")
	}
}

func TestEvaluateReleaseGate_Matrix(t *testing.T) {
	paid := &ServiceInvoice{InvoiceId: "inv-1", IsPaid: true}
	unpaid := &ServiceInvoice{InvoiceId: "inv-1", IsPaid: false}

	cases := []struct {
		name           string
		mode           models.BillingMode
		hasReservation bool
		invoice        *ServiceInvoice
		override       bool
		wantResult     models.ReleaseStatus
		wantConsume    bool
	}{
		{"credit with reservation", models.BillingModeCredit, true, nil, false, models.ReleaseStatusCreditConsumed, true},
		{"credit with reservation, override skips consumption", models.BillingModeCredit, true, nil, true, models.ReleaseStatusOverride, false},
		{"credit without reservation", models.BillingModeCredit, false, nil, false, models.ReleaseStatusBlocked, false},
		{"credit without reservation, override", models.BillingModeCredit, false, nil, true, models.ReleaseStatusOverride, false},
		{"postpaid paid invoice", models.BillingModePostpaid, false, paid, false, models.ReleaseStatusPaid, false},
		{"postpaid unpaid invoice", models.BillingModePostpaid, false, unpaid, false, models.ReleaseStatusBlocked, false},
		{"postpaid unpaid invoice, override", models.BillingModePostpaid, false, unpaid, true, models.ReleaseStatusOverride, false},
		{"postpaid missing invoice", models.BillingModePostpaid, false, nil, false, models.ReleaseStatusBlocked, false},
		{"postpaid missing invoice, override", models.BillingModePostpaid, false, nil, true, models.ReleaseStatusOverride, false},
	}
	for _, c := range cases {
		decision := EvaluateReleaseGate(c.mode, c.hasReservation, c.invoice, c.override, "manual approval")
		if decision.Result != c.wantResult {
			t.Errorf("%s: result = %s, want %s", c.name, decision.Result, c.wantResult)
		}
		if decision.ConsumeCredit != c.wantConsume {
			t.Errorf("%s: consume = %v, want %v", c.name, decision.ConsumeCredit, c.wantConsume)
		}
		if decision.Result == models.ReleaseStatusBlocked && decision.BlockedReason == nil {
			t.Errorf("%s: blocked without a reason", c.name)
		}
		if decision.Result == models.ReleaseStatusOverride && decision.OverrideReason == nil {
			t.Errorf("%s: override without a reason", c.name)
		}
	}
}

func seedReleasableWorkOrder(t *testing.T, stores *memStores) *models.WorkOrder {
	t.Helper()
	wo := seedReadyWorkOrder(t, stores)
	packId := stores.nextId()
	stores.packs = append(stores.packs, &models.ReportPack{
		ID: packId, OrgId: testOrg, WorkOrderId: wo.ID, AssignmentId: wo.AssignmentId,
		TemplateKey: "LAND_AND_BUILDING:COOP_GENERIC", Version: 1, SnapshotVersion: 3,
	})
	stores.jobs = append(stores.jobs, &models.GenerationJob{
		ID: stores.nextId(), OrgId: testOrg, ReportPackId: packId, WorkOrderId: wo.ID,
		IdempotencyKey: DefaultJobIdempotencyKey(wo.ID, 3), Status: models.GenerationJobStatusCompleted,
	})
	wo.ReportPackId = &packId
	return wo
}

func TestReleaseDeliverables_CreditConsumed(t *testing.T) {
	stores := newMemStores()
	wo := seedReleasableWorkOrder(t, stores)
	wo.CreditReservationId = strPtr("rsv-9")
	billing := &fakeBilling{}
	ctx := testCtx()

	result, err := ReleaseDeliverables(ctx, stores, billing, wo.ID, "tester", ReleaseRequest{IdempotencyKey: "rel-1"})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if result.Blocked || result.Idempotent {
		t.Fatalf("result = %+v, want a fresh successful release", result)
	}
	if result.Release.GateResult != models.ReleaseStatusCreditConsumed {
		t.Fatalf("gate result = %s, want CREDIT_CONSUMED", result.Release.GateResult)
	}
	if result.Release.ConsumedLedgerId == nil || *result.Release.ConsumedLedgerId != "ledger-rsv-9" {
		t.Fatalf("ledger id = %v", result.Release.ConsumedLedgerId)
	}
	if len(billing.consumed) != 1 || billing.consumed[0] != "rsv-9" {
		t.Fatalf("consumed = %v, want [rsv-9]", billing.consumed)
	}
	if len(billing.usage) != 1 || billing.usage[0].GateResult != models.ReleaseStatusCreditConsumed {
		t.Fatalf("usage events = %+v, want 1 CREDIT_CONSUMED event", billing.usage)
	}

	hooks := wo.GetBillingHooks()
	if hooks.AttemptCount != 1 || hooks.LastGateResult != models.ReleaseStatusCreditConsumed {
		t.Fatalf("billing hooks = %+v", hooks)
	}
	if hooks.ConsumedLedgerId != "ledger-rsv-9" {
		t.Fatalf("hooks ledger = %s", hooks.ConsumedLedgerId)
	}

	// replay by key: same release back, no new consumption or usage
	replay, err := ReleaseDeliverables(ctx, stores, billing, wo.ID, "tester", ReleaseRequest{IdempotencyKey: "rel-1"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.Idempotent {
		t.Fatal("replay must be idempotent")
	}
	if replay.Release.ID != result.Release.ID {
		t.Fatal("replay must return the original release")
	}
	if len(billing.consumed) != 1 || len(billing.usage) != 1 || len(stores.releases) != 1 {
		t.Fatalf("replay caused side effects: consumed=%d usage=%d releases=%d",
			len(billing.consumed), len(billing.usage), len(stores.releases))
	}
}

func TestReleaseDeliverables_PriorSuccessShortCircuitsNewKey(t *testing.T) {
	stores := newMemStores()
	wo := seedReleasableWorkOrder(t, stores)
	wo.CreditReservationId = strPtr("rsv-9")
	billing := &fakeBilling{}
	ctx := testCtx()

	first, err := ReleaseDeliverables(ctx, stores, billing, wo.ID, "tester", ReleaseRequest{IdempotencyKey: "rel-1"})
	if err != nil {
		t.Fatal(err)
	}

	second, err := ReleaseDeliverables(ctx, stores, billing, wo.ID, "tester", ReleaseRequest{IdempotencyKey: "rel-2"})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Idempotent {
		t.Fatal("a pack with a successful release must not release again")
	}
	if second.Release.ID != first.Release.ID {
		t.Fatal("expected the prior successful release")
	}
	if len(billing.consumed) != 1 {
		t.Fatalf("credits consumed %d times, want 1", len(billing.consumed))
	}
}

// staleSuccessfulStores simulates a READ COMMITTED reader that cannot yet see
// a concurrently committed successful release: the pre-insert success lookup
// misses, and only the unique success key catches the duplicate.
type staleSuccessfulStores struct{ *memStores }

func (s staleSuccessfulStores) Releases() ReleaseStore {
	return staleReleases{&memReleases{s.memStores}}
}

func (s staleSuccessfulStores) Transact(ctx context.Context, fn func(PipelineStores) error) error {
	return fn(s)
}

type staleReleases struct{ *memReleases }

func (staleReleases) Successful(ctx context.Context, orgId string, workOrderId int, packId int) (*models.DeliverableRelease, error) {
	return nil, NewNotFoundError("deliverable release")
}

func TestReleaseDeliverables_ConcurrentDistinctKeysKeepOneSuccess(t *testing.T) {
	stores := newMemStores()
	wo := seedReleasableWorkOrder(t, stores)
	wo.CreditReservationId = strPtr("rsv-9")
	billing := &fakeBilling{}
	ctx := testCtx()
	racing := staleSuccessfulStores{stores}

	first, err := ReleaseDeliverables(ctx, racing, billing, wo.ID, "tester", ReleaseRequest{IdempotencyKey: "rel-a"})
	if err != nil {
		t.Fatal(err)
	}
	if first.Idempotent || first.Release.GateResult != models.ReleaseStatusCreditConsumed {
		t.Fatalf("first release = %+v", first)
	}

	// second attempt under a distinct key with the success lookup blinded:
	// the insert must collide on the success key and adopt the winner's row
	second, err := ReleaseDeliverables(ctx, racing, billing, wo.ID, "tester", ReleaseRequest{IdempotencyKey: "rel-b"})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Idempotent {
		t.Fatal("race loser must be reported as idempotent")
	}
	if second.Release.ID != first.Release.ID {
		t.Fatalf("race loser got release %d, want winner %d", second.Release.ID, first.Release.ID)
	}
	if len(stores.releases) != 1 {
		t.Fatalf("releases = %d, want exactly one successful row", len(stores.releases))
	}
	if len(billing.usage) != 1 {
		t.Fatalf("usage events = %d, want 1", len(billing.usage))
	}
	if hooks := wo.GetBillingHooks(); hooks.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", hooks.AttemptCount)
	}
}

func TestReleaseDeliverables_PostpaidUnpaidBlocksWithoutOverride(t *testing.T) {
	stores := newMemStores()
	wo := seedReleasableWorkOrder(t, stores)
	wo.ServiceInvoiceId = strPtr("inv-1")
	billing := &fakeBilling{invoice: &ServiceInvoice{InvoiceId: "inv-1", IsPaid: false}}
	ctx := testCtx()

	blocked, err := ReleaseDeliverables(ctx, stores, billing, wo.ID, "tester", ReleaseRequest{IdempotencyKey: "rel-1"})
	if err != nil {
		t.Fatal(err)
	}
	if !blocked.Blocked {
		t.Fatal("unpaid invoice without override must block")
	}
	if blocked.Release.GateResult != models.ReleaseStatusBlocked {
		t.Fatalf("gate result = %s", blocked.Release.GateResult)
	}
	if len(billing.usage) != 1 {
		t.Fatalf("blocked attempts must still meter, usage=%d", len(billing.usage))
	}

	// a blocked attempt does not burn the pack; override with a new key succeeds
	overridden, err := ReleaseDeliverables(ctx, stores, billing, wo.ID, "tester",
		ReleaseRequest{IdempotencyKey: "rel-2", Override: true, OverrideReason: "customer paid offline"})
	if err != nil {
		t.Fatal(err)
	}
	if overridden.Blocked || overridden.Idempotent {
		t.Fatalf("override result = %+v", overridden)
	}
	if overridden.Release.GateResult != models.ReleaseStatusOverride {
		t.Fatalf("gate result = %s, want OVERRIDE", overridden.Release.GateResult)
	}
	if overridden.Release.OverrideReason == nil || *overridden.Release.OverrideReason != "customer paid offline" {
		t.Fatalf("override reason = %v", overridden.Release.OverrideReason)
	}
}

func TestReleaseDeliverables_BillingOutageDegradesToBlocked(t *testing.T) {
	stores := newMemStores()
	wo := seedReleasableWorkOrder(t, stores)
	wo.ServiceInvoiceId = strPtr("inv-1")
	billing := &fakeBilling{invoiceErr: errors.New("billing unavailable")}

	result, err := ReleaseDeliverables(testCtx(), stores, billing, wo.ID, "tester", ReleaseRequest{IdempotencyKey: "rel-1"})
	if err != nil {
		t.Fatalf("billing outage must not fail the flow: %v", err)
	}
	if !result.Blocked {
		t.Fatal("billing outage must degrade to BLOCKED")
	}
}

func TestReleaseDeliverables_ConsumeFailureBlocks(t *testing.T) {
	stores := newMemStores()
	wo := seedReleasableWorkOrder(t, stores)
	wo.CreditReservationId = strPtr("rsv-9")
	billing := &fakeBilling{consumeErr: errors.New("reservation expired")}

	result, err := ReleaseDeliverables(testCtx(), stores, billing, wo.ID, "tester", ReleaseRequest{IdempotencyKey: "rel-1"})
	if err != nil {
		t.Fatalf("consume failure must not fail the flow: %v", err)
	}
	if !result.Blocked {
		t.Fatal("consume failure must block")
	}
	if result.Release.BlockedReason == nil || *result.Release.BlockedReason != "credit consumption failed" {
		t.Fatalf("blocked reason = %v", result.Release.BlockedReason)
	}
	if result.Release.ConsumedLedgerId != nil {
		t.Fatal("no ledger id on a failed consumption")
	}
}

func TestReleaseDeliverables_Validation(t *testing.T) {
	stores := newMemStores()
	wo := seedReleasableWorkOrder(t, stores)
	billing := &fakeBilling{}
	ctx := testCtx()

	if _, err := ReleaseDeliverables(ctx, stores, billing, wo.ID, "tester", ReleaseRequest{}); !IsValidationError(err) {
		t.Fatalf("missing idempotency key: err = %v", err)
	}
	if _, err := ReleaseDeliverables(ctx, stores, billing, wo.ID, "tester",
		ReleaseRequest{IdempotencyKey: "rel-1", Override: true}); !IsValidationError(err) {
		t.Fatalf("override without reason: err = %v", err)
	}

	stores.jobs[0].Status = models.GenerationJobStatusProcessing
	if _, err := ReleaseDeliverables(ctx, stores, billing, wo.ID, "tester",
		ReleaseRequest{IdempotencyKey: "rel-1"}); !IsValidationError(err) {
		t.Fatalf("incomplete job: err = %v", err)
	}

	wo.ReportPackId = nil
	if _, err := ReleaseDeliverables(ctx, stores, billing, wo.ID, "tester",
		ReleaseRequest{IdempotencyKey: "rel-1"}); !IsValidationError(err) {
		t.Fatalf("no pack: err = %v", err)
	}
}

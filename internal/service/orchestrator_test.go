package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"payflow/internal/model"
	"payflow/internal/payerr"
	"payflow/internal/repository"
	"payflow/internal/vendor"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// ── mocks ────────────────────────────────────────────────────────────────

// txStore lets mockAtomic undo writes when the unit fails, mirroring a
// database rollback.
type txStore interface {
	snapshot() any
	restore(any)
}

type mockAtomic struct {
	stores []txStore
}

func (a *mockAtomic) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	snaps := make([]any, len(a.stores))
	for i, s := range a.stores {
		snaps[i] = s.snapshot()
	}
	if err := fn(ctx); err != nil {
		for i, s := range a.stores {
			s.restore(snaps[i])
		}
		return err
	}
	return nil
}

type mockWallets struct {
	byPurpose map[model.WalletPurpose]*model.Wallet
	balances  map[uuid.UUID]decimal.Decimal
	reported  map[uuid.UUID]decimal.Decimal // stale reads served by BalanceOf
	entries   []repository.EntryParams
}

func newMockWallets(userID uuid.UUID) *mockWallets {
	m := &mockWallets{
		byPurpose: make(map[model.WalletPurpose]*model.Wallet),
		balances:  make(map[uuid.UUID]decimal.Decimal),
		reported:  make(map[uuid.UUID]decimal.Decimal),
	}
	for _, p := range model.Purposes {
		w := &model.Wallet{ID: uuid.New(), UserID: userID, Purpose: p}
		m.byPurpose[p] = w
		m.balances[w.ID] = decimal.Zero
	}
	return m
}

func (m *mockWallets) setBalance(p model.WalletPurpose, b decimal.Decimal) {
	m.balances[m.byPurpose[p].ID] = b
}

func (m *mockWallets) balance(p model.WalletPurpose) decimal.Decimal {
	return m.balances[m.byPurpose[p].ID]
}

func (m *mockWallets) ApplyEntry(_ context.Context, p repository.EntryParams) (*model.LedgerEntry, error) {
	before, ok := m.balances[p.WalletID]
	if !ok {
		return nil, payerr.ErrWalletNotFound
	}
	after := before.Add(p.Amount)
	if p.Direction == model.DirectionDebit {
		after = before.Sub(p.Amount)
	}
	m.balances[p.WalletID] = after
	m.entries = append(m.entries, p)
	return &model.LedgerEntry{
		ID: uuid.New(), WalletID: p.WalletID, Direction: p.Direction,
		Amount: p.Amount, BalanceBefore: before, BalanceAfter: after,
		ReferenceType: p.ReferenceType, ReferenceID: p.ReferenceID,
	}, nil
}

func (m *mockWallets) DebitChecked(ctx context.Context, p repository.EntryParams) (*model.LedgerEntry, error) {
	before, ok := m.balances[p.WalletID]
	if !ok {
		return nil, payerr.ErrWalletNotFound
	}
	if before.LessThan(p.Amount) {
		return nil, payerr.New(payerr.CodeInsufficientBalance, "holds %s, need %s", before, p.Amount)
	}
	p.Direction = model.DirectionDebit
	return m.ApplyEntry(ctx, p)
}

func (m *mockWallets) Transfer(context.Context, uuid.UUID, uuid.UUID, decimal.Decimal, uuid.UUID) (*model.LedgerEntry, *model.LedgerEntry, error) {
	return nil, nil, nil
}

func (m *mockWallets) BalanceOf(_ context.Context, id uuid.UUID) (decimal.Decimal, error) {
	if stale, ok := m.reported[id]; ok {
		return stale, nil
	}
	b, ok := m.balances[id]
	if !ok {
		return decimal.Zero, payerr.ErrWalletNotFound
	}
	return b, nil
}

func (m *mockWallets) WalletFor(_ context.Context, _ uuid.UUID, purpose model.WalletPurpose) (*model.Wallet, error) {
	w, ok := m.byPurpose[purpose]
	if !ok {
		return nil, payerr.ErrWalletNotFound
	}
	return w, nil
}

func (m *mockWallets) ProvisionWallets(context.Context, uuid.UUID) error { return nil }

func (m *mockWallets) ListEntries(_ context.Context, walletID uuid.UUID, _ int) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	for _, e := range m.entries {
		if e.WalletID == walletID {
			out = append(out, model.LedgerEntry{WalletID: e.WalletID, Direction: e.Direction, Amount: e.Amount})
		}
	}
	return out, nil
}

type walletSnap struct {
	balances map[uuid.UUID]decimal.Decimal
	entries  []repository.EntryParams
}

func (m *mockWallets) snapshot() any {
	s := walletSnap{balances: make(map[uuid.UUID]decimal.Decimal, len(m.balances))}
	for k, v := range m.balances {
		s.balances[k] = v
	}
	s.entries = append(s.entries, m.entries...)
	return s
}

func (m *mockWallets) restore(v any) {
	s := v.(walletSnap)
	m.balances = s.balances
	m.entries = s.entries
}

// entriesOf filters recorded mutations by reference type.
func (m *mockWallets) entriesOf(rt model.ReferenceType) []repository.EntryParams {
	var out []repository.EntryParams
	for _, e := range m.entries {
		if e.ReferenceType == rt {
			out = append(out, e)
		}
	}
	return out
}

type mockIdem struct {
	records    map[string]*model.IdempotencyRecord
	byInternal map[string]*model.IdempotencyRecord
	consumed   []uuid.UUID
	seq        int
}

func newMockIdem() *mockIdem {
	return &mockIdem{
		records:    make(map[string]*model.IdempotencyRecord),
		byInternal: make(map[string]*model.IdempotencyRecord),
	}
}

func idemMapKey(userID uuid.UUID, ref string) string { return userID.String() + "|" + ref }

func (m *mockIdem) CheckDuplicate(_ context.Context, userID uuid.UUID, ref string) (*model.IdempotencyRecord, error) {
	return m.records[idemMapKey(userID, ref)], nil
}

func (m *mockIdem) Reserve(_ context.Context, userID uuid.UUID, ref string, amount decimal.Decimal) (*model.IdempotencyRecord, error) {
	key := idemMapKey(userID, ref)
	if m.records[key] != nil {
		return nil, payerr.ErrDuplicateRequest
	}
	m.seq++
	rec := &model.IdempotencyRecord{
		ID: uuid.New(), UserID: userID, ExternalRef: ref,
		InternalRef: fmt.Sprintf("TXNTEST%04d", m.seq),
		Amount:      amount, Status: model.IdemActive,
	}
	m.records[key] = rec
	m.byInternal[rec.InternalRef] = rec
	return rec, nil
}

func (m *mockIdem) Consume(_ context.Context, id uuid.UUID) error {
	m.consumed = append(m.consumed, id)
	for _, rec := range m.byInternal {
		if rec.ID == id {
			rec.Status = model.IdemUsed
		}
	}
	return nil
}

func (m *mockIdem) ByInternalRef(_ context.Context, internalRef string) (*model.IdempotencyRecord, error) {
	return m.byInternal[internalRef], nil
}

func (m *mockIdem) snapshot() any {
	s := make(map[string]model.IdempotencyRecord, len(m.records))
	for k, v := range m.records {
		s[k] = *v
	}
	return s
}

func (m *mockIdem) restore(v any) {
	m.records = make(map[string]*model.IdempotencyRecord)
	m.byInternal = make(map[string]*model.IdempotencyRecord)
	for k, rec := range v.(map[string]model.IdempotencyRecord) {
		cp := rec
		m.records[k] = &cp
		m.byInternal[cp.InternalRef] = &cp
	}
}

type mockSchemes struct {
	scheme  *model.Scheme
	cfg     *model.ApiConfig
	charges []model.SchemeCharge
}

func newMockSchemes(product model.TransactionKind, charges []model.SchemeCharge) *mockSchemes {
	return &mockSchemes{
		scheme: &model.Scheme{
			ID: uuid.New(), Name: "test-scheme", Product: product,
			MinAmount: dec("1"), MaxAmount: dec("100000"), Active: true,
		},
		cfg:     &model.ApiConfig{ID: uuid.New(), Product: product, Label: "default", IsDefault: true, Active: true},
		charges: charges,
	}
}

func (m *mockSchemes) ActiveSchemeFor(context.Context, uuid.UUID, model.TransactionKind) (*model.Scheme, error) {
	return m.scheme, nil
}

func (m *mockSchemes) ChargesFor(context.Context, uuid.UUID, uuid.UUID) ([]model.SchemeCharge, error) {
	return m.charges, nil
}

func (m *mockSchemes) DefaultApiConfig(context.Context, model.TransactionKind) (*model.ApiConfig, error) {
	return m.cfg, nil
}

type mockTxns struct {
	byID          map[uuid.UUID]*model.Transaction
	vendorLogs    int
	schemeLogs    int
	verifications []model.VerificationStatus
}

func newMockTxns() *mockTxns {
	return &mockTxns{byID: make(map[uuid.UUID]*model.Transaction)}
}

func (m *mockTxns) Create(_ context.Context, t *model.Transaction) error {
	m.byID[t.ID] = t
	return nil
}

func (m *mockTxns) ByID(_ context.Context, id uuid.UUID) (*model.Transaction, error) {
	t, ok := m.byID[id]
	if !ok {
		return nil, payerr.ErrTransactionNotFound
	}
	return t, nil
}

func (m *mockTxns) ByInternalRef(_ context.Context, ref string) (*model.Transaction, error) {
	for _, t := range m.byID {
		if t.InternalRef == ref {
			return t, nil
		}
	}
	return nil, payerr.ErrTransactionNotFound
}

func (m *mockTxns) LockByID(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	return m.ByID(ctx, id)
}

func (m *mockTxns) MarkResolved(_ context.Context, id uuid.UUID, status model.TransactionStatus, vendorRef string, _ []byte) error {
	t, ok := m.byID[id]
	if !ok {
		return payerr.ErrTransactionNotFound
	}
	if t.Status.Terminal() {
		return payerr.ErrAlreadyResolved
	}
	t.Status = status
	if vendorRef != "" {
		t.VendorRef = vendorRef
	}
	now := time.Now().UTC()
	t.UpdatedAt, t.CompletedAt = now, &now
	return nil
}

func (m *mockTxns) MarkReversed(_ context.Context, id uuid.UUID, _ []byte) error {
	t, ok := m.byID[id]
	if !ok {
		return payerr.ErrTransactionNotFound
	}
	if t.Status != model.StatusPending && t.Status != model.StatusSuccess {
		return payerr.ErrAlreadyResolved
	}
	t.Status = model.StatusReversed
	return nil
}

func (m *mockTxns) StalePending(context.Context, time.Time, int) ([]model.Transaction, error) {
	return nil, nil
}

func (m *mockTxns) LogVendorResponse(context.Context, string, string, []byte) error {
	m.vendorLogs++
	return nil
}

func (m *mockTxns) LogSchemeTransaction(context.Context, *model.Transaction) error {
	m.schemeLogs++
	return nil
}

func (m *mockTxns) RecordVerification(_ context.Context, _ uuid.UUID, _, _ string, status model.VerificationStatus, _ []byte) error {
	m.verifications = append(m.verifications, status)
	return nil
}

func (m *mockTxns) snapshot() any {
	s := make(map[uuid.UUID]model.Transaction, len(m.byID))
	for k, v := range m.byID {
		s[k] = *v
	}
	return s
}

func (m *mockTxns) restore(v any) {
	m.byID = make(map[uuid.UUID]*model.Transaction)
	for k, t := range v.(map[uuid.UUID]model.Transaction) {
		cp := t
		m.byID[k] = &cp
	}
}

type mockGateway struct {
	qrResp     *vendor.QRResponse
	qrErr      error
	qrCalls    int
	payoutResp *vendor.PayoutResponse
	payoutErr  error
	statusResp *vendor.StatusResponse
	statusErr  error
	verifyResp *vendor.VerifyResponse
	verifyErr  error
}

func (m *mockGateway) CreateQR(context.Context, vendor.QRRequest) (*vendor.QRResponse, error) {
	m.qrCalls++
	return m.qrResp, m.qrErr
}

func (m *mockGateway) CreatePayout(context.Context, vendor.PayoutRequest) (*vendor.PayoutResponse, error) {
	return m.payoutResp, m.payoutErr
}

func (m *mockGateway) QueryStatus(context.Context, string) (*vendor.StatusResponse, error) {
	return m.statusResp, m.statusErr
}

func (m *mockGateway) VerifyAccount(context.Context, vendor.VerifyRequest) (*vendor.VerifyResponse, error) {
	return m.verifyResp, m.verifyErr
}

type mockBus struct {
	topics   []string
	payloads [][]byte
}

func (m *mockBus) Publish(topic string, data []byte) error {
	m.topics = append(m.topics, topic)
	m.payloads = append(m.payloads, data)
	return nil
}

// ── fixtures ─────────────────────────────────────────────────────────────

type fixture struct {
	orch    *Orchestrator
	userID  uuid.UUID
	wallets *mockWallets
	idem    *mockIdem
	schemes *mockSchemes
	txns    *mockTxns
	gateway *mockGateway
	bus     *mockBus
}

func payinFixture(t *testing.T) *fixture {
	t.Helper()
	userID := uuid.New()
	charges := []model.SchemeCharge{{
		ID: uuid.New(), ChargeType: model.ChargeFlat,
		ChargeValue: dec("2"), GSTPercent: dec("18"), Active: true,
	}}
	f := &fixture{
		userID:  userID,
		wallets: newMockWallets(userID),
		idem:    newMockIdem(),
		schemes: newMockSchemes(model.KindPayin, charges),
		txns:    newMockTxns(),
		gateway: &mockGateway{qrResp: &vendor.QRResponse{VendorRef: "V123", QRString: "upi://pay"}},
		bus:     &mockBus{},
	}
	atomic := &mockAtomic{stores: []txStore{f.wallets, f.idem, f.txns}}
	f.orch = NewOrchestrator(atomic, f.wallets, f.idem, f.schemes, f.txns, f.gateway, f.bus)
	return f
}

func payoutFixture(t *testing.T) *fixture {
	t.Helper()
	userID := uuid.New()
	charges := []model.SchemeCharge{{
		ID:          uuid.New(),
		MinAmount:   decimal.NullDecimal{Decimal: dec("100"), Valid: true},
		MaxAmount:   decimal.NullDecimal{Decimal: dec("1000"), Valid: true},
		ChargeType:  model.ChargePercentage,
		ChargeValue: dec("1"), GSTPercent: dec("18"), Active: true,
	}}
	f := &fixture{
		userID:  userID,
		wallets: newMockWallets(userID),
		idem:    newMockIdem(),
		schemes: newMockSchemes(model.KindPayout, charges),
		txns:    newMockTxns(),
		gateway: &mockGateway{payoutResp: &vendor.PayoutResponse{StatusCode: 2, VendorRef: "V777"}},
		bus:     &mockBus{},
	}
	atomic := &mockAtomic{stores: []txStore{f.wallets, f.idem, f.txns}}
	f.orch = NewOrchestrator(atomic, f.wallets, f.idem, f.schemes, f.txns, f.gateway, f.bus)
	return f
}

// ── payin ────────────────────────────────────────────────────────────────

func TestGenerateQR_Success(t *testing.T) {
	f := payinFixture(t)
	f.wallets.setBalance(model.PurposeService, dec("50"))

	res, err := f.orch.GenerateQR(context.Background(), GenerateQRRequest{
		UserID: f.userID, Amount: dec("100"), ExternalRef: "ORD-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.QRString != "upi://pay" {
		t.Errorf("qr string = %q", res.QRString)
	}
	if !res.Charges.TotalCharges.Equal(dec("2.36")) {
		t.Errorf("total charges = %s, want 2.36", res.Charges.TotalCharges)
	}

	// Charge pre-paid from SERVICE wallet: 50 - 2.36 = 47.64.
	if got := f.wallets.balance(model.PurposeService); !got.Equal(dec("47.64")) {
		t.Errorf("service balance = %s, want 47.64", got)
	}

	txn, err := f.txns.ByID(context.Background(), res.TransactionID)
	if err != nil {
		t.Fatalf("transaction not stored: %v", err)
	}
	if txn.Status != model.StatusPending {
		t.Errorf("status = %s, want PENDING", txn.Status)
	}
	if f.txns.schemeLogs != 1 {
		t.Errorf("scheme logs = %d, want 1", f.txns.schemeLogs)
	}
}

func TestGenerateQR_DuplicateExternalRef(t *testing.T) {
	f := payinFixture(t)
	f.wallets.setBalance(model.PurposeService, dec("50"))

	if _, err := f.orch.GenerateQR(context.Background(), GenerateQRRequest{
		UserID: f.userID, Amount: dec("100"), ExternalRef: "ORD-1",
	}); err != nil {
		t.Fatalf("first request failed: %v", err)
	}

	_, err := f.orch.GenerateQR(context.Background(), GenerateQRRequest{
		UserID: f.userID, Amount: dec("100"), ExternalRef: "ORD-1",
	})
	if !errors.Is(err, payerr.ErrDuplicateRequest) {
		t.Fatalf("expected DuplicateRequest, got %v", err)
	}
	if f.gateway.qrCalls != 1 {
		t.Errorf("vendor called %d times, want 1 (duplicate must not re-execute)", f.gateway.qrCalls)
	}
	if len(f.txns.byID) != 1 {
		t.Errorf("transactions = %d, want 1", len(f.txns.byID))
	}
}

func TestGenerateQR_InsufficientServiceBalance(t *testing.T) {
	f := payinFixture(t)
	f.wallets.setBalance(model.PurposeService, dec("2"))

	_, err := f.orch.GenerateQR(context.Background(), GenerateQRRequest{
		UserID: f.userID, Amount: dec("100"), ExternalRef: "ORD-1",
	})
	if !errors.Is(err, payerr.ErrInsufficientBalance) {
		t.Fatalf("expected InsufficientBalance, got %v", err)
	}
	if f.gateway.qrCalls != 0 {
		t.Error("vendor must not be called when the charge cannot be pre-paid")
	}
	if len(f.wallets.entries) != 0 {
		t.Error("no wallet mutation expected on rejection")
	}
}

func TestGenerateQR_StaleBalanceCannotBreachFloor(t *testing.T) {
	f := payinFixture(t)
	f.wallets.setBalance(model.PurposeService, dec("1"))
	// The unlocked pre-check sees a stale cached balance; the locked debit
	// must still reject.
	f.wallets.reported[f.wallets.byPurpose[model.PurposeService].ID] = dec("50")

	_, err := f.orch.GenerateQR(context.Background(), GenerateQRRequest{
		UserID: f.userID, Amount: dec("100"), ExternalRef: "ORD-1",
	})
	if !errors.Is(err, payerr.ErrInsufficientBalance) {
		t.Fatalf("expected InsufficientBalance from the locked debit, got %v", err)
	}
	if len(f.wallets.entries) != 0 {
		t.Error("no ledger entry expected on a rejected debit")
	}
	if got := f.wallets.balance(model.PurposeService); !got.Equal(dec("1")) {
		t.Errorf("service balance = %s, want untouched 1", got)
	}
	if len(f.txns.byID) != 0 {
		t.Error("transaction insert must roll back with the rejected debit")
	}
}

func TestGenerateQR_AmountOutsideSchemeLimits(t *testing.T) {
	f := payinFixture(t)
	f.wallets.setBalance(model.PurposeService, dec("50"))

	_, err := f.orch.GenerateQR(context.Background(), GenerateQRRequest{
		UserID: f.userID, Amount: dec("0.50"), ExternalRef: "ORD-LOW",
	})
	if payerr.CodeOf(err) != payerr.CodeAmountBelowMin {
		t.Errorf("expected AmountBelowMinLimit, got %v", err)
	}

	_, err = f.orch.GenerateQR(context.Background(), GenerateQRRequest{
		UserID: f.userID, Amount: dec("999999"), ExternalRef: "ORD-HIGH",
	})
	if payerr.CodeOf(err) != payerr.CodeAmountExceedsMax {
		t.Errorf("expected AmountExceedsMaxLimit, got %v", err)
	}
}

func TestGenerateQR_VendorApplicationError(t *testing.T) {
	f := payinFixture(t)
	f.wallets.setBalance(model.PurposeService, dec("50"))
	f.gateway.qrResp = nil
	f.gateway.qrErr = &vendor.AppError{Endpoint: "/v1/qr", Code: "E42", Message: "merchant blocked", Raw: []byte(`{"error":{}}`)}

	_, err := f.orch.GenerateQR(context.Background(), GenerateQRRequest{
		UserID: f.userID, Amount: dec("100"), ExternalRef: "ORD-1",
	})
	if payerr.CodeOf(err) != payerr.CodeVendorTechnical {
		t.Fatalf("expected opaque TELE error, got %v", err)
	}
	if f.txns.vendorLogs != 1 {
		t.Errorf("vendor logs = %d, want 1 (raw payload must be logged internally)", f.txns.vendorLogs)
	}
	if len(f.txns.byID) != 0 {
		t.Error("no transaction row expected on vendor rejection")
	}
	if len(f.wallets.entries) != 0 {
		t.Error("no wallet mutation expected on vendor rejection")
	}
}

// ── payin resolution ─────────────────────────────────────────────────────

func TestResolvePayin_ApprovedCreditsCollection(t *testing.T) {
	f := payinFixture(t)
	f.wallets.setBalance(model.PurposeService, dec("50"))

	res, err := f.orch.GenerateQR(context.Background(), GenerateQRRequest{
		UserID: f.userID, Amount: dec("100"), ExternalRef: "ORD-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.orch.ResolveTransaction(context.Background(), res.TransactionID, model.VendorApproved, "UTR1", nil); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	if got := f.wallets.balance(model.PurposeCollection); !got.Equal(dec("100")) {
		t.Errorf("collection balance = %s, want 100", got)
	}

	txn, _ := f.txns.ByID(context.Background(), res.TransactionID)
	if txn.Status != model.StatusSuccess {
		t.Errorf("status = %s, want SUCCESS", txn.Status)
	}

	rec, _ := f.idem.ByInternalRef(context.Background(), res.InternalRef)
	if rec.Status != model.IdemUsed {
		t.Errorf("idempotency record = %s, want USED", rec.Status)
	}
	if len(f.bus.topics) != 1 || f.bus.topics[0] != TopicResolved {
		t.Errorf("published topics = %v, want one %q", f.bus.topics, TopicResolved)
	}
}

func TestResolvePayin_RejectedRefundsCharges(t *testing.T) {
	f := payinFixture(t)
	f.wallets.setBalance(model.PurposeService, dec("50"))

	res, err := f.orch.GenerateQR(context.Background(), GenerateQRRequest{
		UserID: f.userID, Amount: dec("100"), ExternalRef: "ORD-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.orch.ResolveTransaction(context.Background(), res.TransactionID, model.VendorRejected, "", nil); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	// Charge debited at creation must come back in full.
	if got := f.wallets.balance(model.PurposeService); !got.Equal(dec("50")) {
		t.Errorf("service balance = %s, want 50 after refund", got)
	}
	refunds := f.wallets.entriesOf(model.RefPayinRefund)
	if len(refunds) != 1 || !refunds[0].Amount.Equal(dec("2.36")) {
		t.Errorf("refund entries = %+v, want one of 2.36", refunds)
	}
	if got := f.wallets.balance(model.PurposeCollection); !got.IsZero() {
		t.Errorf("collection balance = %s, want 0", got)
	}
}

func TestResolvePayin_RedeliveryIsNoop(t *testing.T) {
	f := payinFixture(t)
	f.wallets.setBalance(model.PurposeService, dec("50"))

	res, err := f.orch.GenerateQR(context.Background(), GenerateQRRequest{
		UserID: f.userID, Amount: dec("100"), ExternalRef: "ORD-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.orch.ResolveTransaction(context.Background(), res.TransactionID, model.VendorApproved, "UTR1", nil); err != nil {
		t.Fatal(err)
	}
	txn, _ := f.txns.ByID(context.Background(), res.TransactionID)
	firstUpdated := txn.UpdatedAt
	entriesAfterFirst := len(f.wallets.entries)

	if err := f.orch.ResolveTransaction(context.Background(), res.TransactionID, model.VendorApproved, "UTR1", nil); err != nil {
		t.Fatalf("re-delivery must not error: %v", err)
	}

	if len(f.wallets.entries) != entriesAfterFirst {
		t.Error("re-delivery produced a second wallet mutation")
	}
	if !txn.UpdatedAt.Equal(firstUpdated) {
		t.Error("re-delivery changed updated_at")
	}
	if len(f.bus.topics) != 1 {
		t.Errorf("events published = %d, want 1", len(f.bus.topics))
	}
}

// ── payout ───────────────────────────────────────────────────────────────

func TestInitiatePayout_PendingDebitsUpfront(t *testing.T) {
	f := payoutFixture(t)
	f.wallets.setBalance(model.PurposePayout, dec("600"))

	txn, err := f.orch.InitiatePayout(context.Background(), InitiatePayoutRequest{
		UserID: f.userID, Amount: dec("500"), ExternalRef: "PO-1",
		BeneficiaryName: "A", BeneficiaryAccount: "1234", BeneficiaryIFSC: "HDFC0000001", TransferMode: "IMPS",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if txn.Status != model.StatusPending {
		t.Errorf("status = %s, want PENDING", txn.Status)
	}
	// 600 - (500 + 5.9) = 94.10
	if got := f.wallets.balance(model.PurposePayout); !got.Equal(dec("94.1")) {
		t.Errorf("payout balance = %s, want 94.1", got)
	}
}

func TestInitiatePayout_InsufficientBalance(t *testing.T) {
	f := payoutFixture(t)
	f.wallets.setBalance(model.PurposePayout, dec("505"))

	// Tier: 1% of 500 + 18% GST = 5.9; needs 505.90.
	_, err := f.orch.InitiatePayout(context.Background(), InitiatePayoutRequest{
		UserID: f.userID, Amount: dec("500"), ExternalRef: "PO-1",
	})
	if !errors.Is(err, payerr.ErrInsufficientBalance) {
		t.Fatalf("expected InsufficientBalance, got %v", err)
	}
	if len(f.txns.byID) != 0 {
		t.Error("no transaction expected when the debit fails")
	}
}

func TestInitiatePayout_RejectedDebitReleasesExternalRef(t *testing.T) {
	f := payoutFixture(t)
	f.wallets.setBalance(model.PurposePayout, dec("505"))

	// Needs 505.90; the reservation must roll back with the failed debit.
	_, err := f.orch.InitiatePayout(context.Background(), InitiatePayoutRequest{
		UserID: f.userID, Amount: dec("500"), ExternalRef: "PO-RETRY",
	})
	if !errors.Is(err, payerr.ErrInsufficientBalance) {
		t.Fatalf("expected InsufficientBalance, got %v", err)
	}

	f.wallets.setBalance(model.PurposePayout, dec("600"))
	txn, err := f.orch.InitiatePayout(context.Background(), InitiatePayoutRequest{
		UserID: f.userID, Amount: dec("500"), ExternalRef: "PO-RETRY",
	})
	if err != nil {
		t.Fatalf("retry after topping up must not be a duplicate: %v", err)
	}
	if txn.Status != model.StatusPending {
		t.Errorf("status = %s, want PENDING", txn.Status)
	}
	if len(f.txns.byID) != 1 {
		t.Errorf("transactions = %d, want exactly 1", len(f.txns.byID))
	}
}

func TestInitiatePayout_VendorFailedRefundsOnce(t *testing.T) {
	f := payoutFixture(t)
	f.wallets.setBalance(model.PurposePayout, dec("600"))
	f.gateway.payoutResp = &vendor.PayoutResponse{StatusCode: 0, VendorRef: "V0"}

	txn, err := f.orch.InitiatePayout(context.Background(), InitiatePayoutRequest{
		UserID: f.userID, Amount: dec("500"), ExternalRef: "PO-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if txn.Status != model.StatusFailed {
		t.Errorf("status = %s, want FAILED", txn.Status)
	}
	if got := f.wallets.balance(model.PurposePayout); !got.Equal(dec("600")) {
		t.Errorf("payout balance = %s, want 600 after refund", got)
	}
	refunds := f.wallets.entriesOf(model.RefPayoutRefund)
	if len(refunds) != 1 || !refunds[0].Amount.Equal(dec("505.9")) {
		t.Errorf("refund entries = %+v, want exactly one of 505.9", refunds)
	}
}

func TestInitiatePayout_SyncApproved(t *testing.T) {
	f := payoutFixture(t)
	f.wallets.setBalance(model.PurposePayout, dec("600"))
	f.gateway.payoutResp = &vendor.PayoutResponse{StatusCode: 1, VendorRef: "V1"}

	txn, err := f.orch.InitiatePayout(context.Background(), InitiatePayoutRequest{
		UserID: f.userID, Amount: dec("500"), ExternalRef: "PO-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if txn.Status != model.StatusSuccess {
		t.Errorf("status = %s, want SUCCESS", txn.Status)
	}
	// Debit stands; nothing comes back on success.
	if got := f.wallets.balance(model.PurposePayout); !got.Equal(dec("94.1")) {
		t.Errorf("payout balance = %s, want 94.1", got)
	}
	if refunds := f.wallets.entriesOf(model.RefPayoutRefund); len(refunds) != 0 {
		t.Errorf("unexpected refunds: %+v", refunds)
	}
}

func TestResolvePayout_ReversedRefunds(t *testing.T) {
	f := payoutFixture(t)
	f.wallets.setBalance(model.PurposePayout, dec("600"))
	f.gateway.payoutResp = &vendor.PayoutResponse{StatusCode: 1, VendorRef: "V1"}

	txn, err := f.orch.InitiatePayout(context.Background(), InitiatePayoutRequest{
		UserID: f.userID, Amount: dec("500"), ExternalRef: "PO-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.orch.ResolveTransaction(context.Background(), txn.ID, model.VendorReversed, "", nil); err != nil {
		t.Fatalf("reversal failed: %v", err)
	}

	got, _ := f.txns.ByID(context.Background(), txn.ID)
	if got.Status != model.StatusReversed {
		t.Errorf("status = %s, want REVERSED", got.Status)
	}
	if bal := f.wallets.balance(model.PurposePayout); !bal.Equal(dec("600")) {
		t.Errorf("payout balance = %s, want 600 after reversal refund", bal)
	}
}

// ── account verification ─────────────────────────────────────────────────

func TestVerifyAccount_RecordsOutcome(t *testing.T) {
	f := payoutFixture(t)
	f.gateway.verifyResp = &vendor.VerifyResponse{Verified: true, Name: "JANE DOE"}

	res, err := f.orch.VerifyAccount(context.Background(), VerifyAccountRequest{
		UserID: f.userID, AccountNumber: "1234", IFSC: "HDFC0000001",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != model.VerificationVerified || res.RegisteredName != "JANE DOE" {
		t.Errorf("result = %+v", res)
	}
	if len(f.wallets.entries) != 0 {
		t.Error("verification must not move funds")
	}
	if len(f.txns.verifications) != 1 || f.txns.verifications[0] != model.VerificationVerified {
		t.Errorf("recorded verifications = %v", f.txns.verifications)
	}
}

func TestVerifyAccount_VendorErrorRecordsFailed(t *testing.T) {
	f := payoutFixture(t)
	f.gateway.verifyResp = nil
	f.gateway.verifyErr = &vendor.AppError{Endpoint: "/v1/verify-account", Code: "E1", Message: "invalid account"}

	res, err := f.orch.VerifyAccount(context.Background(), VerifyAccountRequest{
		UserID: f.userID, AccountNumber: "0000", IFSC: "HDFC0000001",
	})
	if err != nil {
		t.Fatalf("structured vendor error should not surface: %v", err)
	}
	if res.Status != model.VerificationFailed {
		t.Errorf("status = %s, want FAILED", res.Status)
	}
}

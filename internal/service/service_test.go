package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/ozone-quota/internal/catalogsync"
	"github.com/mmeshcher/ozone-quota/internal/model"
	"github.com/mmeshcher/ozone-quota/internal/repository"
	"github.com/mmeshcher/ozone-quota/internal/units"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestService(t *testing.T, allocated string) (*Service, *repository.MemoryRepository) {
	t.Helper()

	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	for _, r := range []model.Refrigerant{
		{Code: "R-410A", GWP: decimal.NewNullDecimal(dec("2088"))},
		{Code: "R-32", GWP: decimal.NewNullDecimal(dec("675"))},
		{Code: "R-717"},
	} {
		if err := repo.UpsertRefrigerant(ctx, r); err != nil {
			t.Fatalf("seed refrigerant: %v", err)
		}
	}
	if _, err := repo.SetAllocation(ctx, 1, dec(allocated)); err != nil {
		t.Fatalf("seed allocation: %v", err)
	}

	return NewService(repo, nil, nil), repo
}

func line(code string, count int64, qty string, u units.Unit) model.ImportLineItem {
	return model.ImportLineItem{
		SubstanceCode:        code,
		ContainerCount:       count,
		QuantityPerContainer: dec(qty),
		Unit:                 u,
	}
}

func TestSubmitImport_StoresComputedValues(t *testing.T) {
	svc, _ := newTestService(t, "50000")

	req, err := svc.SubmitImport(context.Background(), 1, []model.ImportLineItem{
		line("R-410A", 2, "10", units.Kilogram),
		{SubstanceCode: "R-32"},
		line("R-32", 1, "500", units.Gram),
	})
	if err != nil {
		t.Fatalf("SubmitImport error: %v", err)
	}
	if req.Status != model.ImportStatusPending {
		t.Fatalf("status = %s, want PENDING", req.Status)
	}
	if len(req.Items) != 2 {
		t.Fatalf("items = %d, want 2 (incomplete rows dropped)", len(req.Items))
	}
	if !req.Items[0].CO2Equivalent.Equal(dec("41760")) || !req.Items[1].CO2Equivalent.Equal(dec("337.5")) {
		t.Fatalf("unexpected per-item values: %s, %s", req.Items[0].CO2Equivalent, req.Items[1].CO2Equivalent)
	}
	if !req.TotalCO2Equivalent.Equal(dec("42097.5")) {
		t.Fatalf("total = %s, want 42097.50", req.TotalCO2Equivalent)
	}

	list, err := svc.ListImports(context.Background(), 1)
	if err != nil || len(list) != 1 || list[0].ID != req.ID {
		t.Fatalf("ListImports = %+v, %v", list, err)
	}
}

func TestSubmitImport_QuotaExceeded(t *testing.T) {
	svc, _ := newTestService(t, "40000")

	_, err := svc.SubmitImport(context.Background(), 1, []model.ImportLineItem{
		line("R-410A", 2, "10", units.Kilogram),
	})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	var qe *QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("expected *QuotaExceededError, got %T", err)
	}
	if !qe.Admission.Deficit.Equal(dec("1760")) {
		t.Fatalf("deficit = %s, want 1760", qe.Admission.Deficit)
	}

	list, _ := svc.ListImports(context.Background(), 1)
	if len(list) != 0 {
		t.Fatalf("rejected submission must not be stored")
	}
}

func TestSubmitImport_Errors(t *testing.T) {
	svc, _ := newTestService(t, "100")
	ctx := context.Background()

	if _, err := svc.SubmitImport(ctx, 1, []model.ImportLineItem{{SubstanceCode: "R-32"}}); !errors.Is(err, ErrNoCompleteItems) {
		t.Fatalf("expected ErrNoCompleteItems, got %v", err)
	}
	if _, err := svc.SubmitImport(ctx, 1, []model.ImportLineItem{line("R-999", 1, "1", units.Kilogram)}); !errors.Is(err, model.ErrSubstanceNotFound) {
		t.Fatalf("expected ErrSubstanceNotFound, got %v", err)
	}
	if _, err := svc.SubmitImport(ctx, 1, []model.ImportLineItem{line("R-32", 1, "1", "stone")}); !errors.Is(err, units.ErrInvalidUnit) {
		t.Fatalf("expected ErrInvalidUnit, got %v", err)
	}
	if _, err := svc.SubmitImport(ctx, 2, []model.ImportLineItem{line("R-32", 1, "1", units.Gram)}); !errors.Is(err, model.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestSubmitImport_RejectsNonPositiveLines(t *testing.T) {
	tests := []struct {
		name  string
		items []model.ImportLineItem
	}{
		{name: "negative container count", items: []model.ImportLineItem{line("R-410A", -1, "10", units.Kilogram)}},
		{name: "negative quantity", items: []model.ImportLineItem{line("R-410A", 1, "-10", units.Kilogram)}},
		{name: "offsetting rows", items: []model.ImportLineItem{
			line("R-410A", -2, "10", units.Kilogram),
			line("R-410A", 3, "10", units.Kilogram),
			line("R-410A", -3, "10", units.Kilogram),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t, "50000")
			ctx := context.Background()

			if _, err := svc.SubmitImport(ctx, 1, tt.items); !errors.Is(err, model.ErrInvalidLineItem) {
				t.Fatalf("SubmitImport: expected ErrInvalidLineItem, got %v", err)
			}
			if _, err := svc.CheckAdmission(ctx, 1, tt.items); !errors.Is(err, model.ErrInvalidLineItem) {
				t.Fatalf("CheckAdmission: expected ErrInvalidLineItem, got %v", err)
			}

			list, _ := svc.ListImports(ctx, 1)
			if len(list) != 0 {
				t.Fatalf("invalid submission must not be stored")
			}
			info, err := svc.GetQuotaInfo(ctx, 1)
			if err != nil || !info.Remaining.Equal(dec("50000")) {
				t.Fatalf("quota changed: %+v, %v", info, err)
			}
		})
	}
}

func TestSubmitImport_ErrorReportsCallerLine(t *testing.T) {
	svc, _ := newTestService(t, "50000")

	_, err := svc.SubmitImport(context.Background(), 1, []model.ImportLineItem{
		{SubstanceCode: "R-32"},
		line("R-999", 1, "1", units.Kilogram),
	})
	if !errors.Is(err, model.ErrSubstanceNotFound) {
		t.Fatalf("expected ErrSubstanceNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "line 2 (R-999)") {
		t.Fatalf("error %q must point at the second submitted row", err)
	}
}

func TestApproveImport_SettlesOnce(t *testing.T) {
	svc, _ := newTestService(t, "50000")
	ctx := context.Background()

	req, err := svc.SubmitImport(ctx, 1, []model.ImportLineItem{line("R-410A", 2, "10", units.Kilogram)})
	if err != nil {
		t.Fatalf("SubmitImport error: %v", err)
	}

	st, err := svc.ApproveImport(ctx, req.ID)
	if err != nil {
		t.Fatalf("ApproveImport error: %v", err)
	}
	if !st.NewRemaining.Equal(dec("8240")) {
		t.Fatalf("remaining = %s, want 8240", st.NewRemaining)
	}

	if _, err := svc.SettleImport(ctx, req.ID); !errors.Is(err, model.ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled on retry, got %v", err)
	}
	if _, err := svc.ApproveImport(ctx, req.ID); !errors.Is(err, model.ErrInvalidStatusTransition) {
		t.Fatalf("expected ErrInvalidStatusTransition, got %v", err)
	}

	info, err := svc.GetQuotaInfo(ctx, 1)
	if err != nil {
		t.Fatalf("GetQuotaInfo error: %v", err)
	}
	if !info.Consumed.Equal(dec("41760")) || info.PercentageUsed != 84 {
		t.Fatalf("unexpected quota info: %+v", info)
	}

	history, err := svc.ListSettlements(ctx, 1)
	if err != nil || len(history) != 1 {
		t.Fatalf("ListSettlements = %+v, %v", history, err)
	}
}

func TestRejectImport(t *testing.T) {
	svc, _ := newTestService(t, "50000")
	ctx := context.Background()

	req, err := svc.SubmitImport(ctx, 1, []model.ImportLineItem{line("R-32", 1, "1", units.Kilogram)})
	if err != nil {
		t.Fatalf("SubmitImport error: %v", err)
	}

	got, err := svc.RejectImport(ctx, req.ID)
	if err != nil {
		t.Fatalf("RejectImport error: %v", err)
	}
	if got.Status != model.ImportStatusRejected {
		t.Fatalf("status = %s, want REJECTED", got.Status)
	}
	if _, err := svc.SettleImport(ctx, req.ID); !errors.Is(err, model.ErrRequestNotApproved) {
		t.Fatalf("expected ErrRequestNotApproved, got %v", err)
	}
	if _, err := svc.RejectImport(ctx, uuid.New()); !errors.Is(err, model.ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestSetAllocation(t *testing.T) {
	svc, _ := newTestService(t, "10")
	ctx := context.Background()

	if _, err := svc.SetAllocation(ctx, 1, dec("-1")); !errors.Is(err, ErrNegativeAllocation) {
		t.Fatalf("expected ErrNegativeAllocation, got %v", err)
	}

	for _, v := range []string{"10.001", "1e18", "123456789012345678901"} {
		if _, err := svc.SetAllocation(ctx, 1, dec(v)); !errors.Is(err, ErrInvalidAllocation) {
			t.Fatalf("SetAllocation(%s): expected ErrInvalidAllocation, got %v", v, err)
		}
	}
	if _, err := svc.SetAllocation(ctx, 1, dec("10.50")); err != nil {
		t.Fatalf("SetAllocation(10.50) error: %v", err)
	}

	acc, err := svc.SetAllocation(ctx, 3, dec("250.5"))
	if err != nil {
		t.Fatalf("SetAllocation error: %v", err)
	}
	if !acc.Remaining.Equal(dec("250.5")) {
		t.Fatalf("remaining = %s, want 250.5", acc.Remaining)
	}
}

func TestUpsertRefrigerant_Validation(t *testing.T) {
	svc, _ := newTestService(t, "10")
	ctx := context.Background()

	cases := []struct {
		name string
		rec  model.Refrigerant
		ok   bool
	}{
		{"valid", model.Refrigerant{Code: "R-1234yf", HSCode: "2903.39", GWP: decimal.NewNullDecimal(dec("4"))}, true},
		{"no gwp", model.Refrigerant{Code: "R-744"}, true},
		{"bad code", model.Refrigerant{Code: "410A"}, false},
		{"bad hs code", model.Refrigerant{Code: "R-22", HSCode: "29x3"}, false},
		{"negative gwp", model.Refrigerant{Code: "R-22", GWP: decimal.NewNullDecimal(dec("-1"))}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.UpsertRefrigerant(ctx, tc.rec)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidRefrigerant) {
				t.Fatalf("expected ErrInvalidRefrigerant, got %v", err)
			}
		})
	}

	got, err := svc.GetRefrigerant(ctx, "R-1234yf")
	if err != nil || got.HSCode != "2903.39" {
		t.Fatalf("GetRefrigerant = %+v, %v", got, err)
	}
}

type stubRegistry struct {
	mu      sync.Mutex
	calls   int
	records []catalogsync.Record
	status  int
	retry   time.Duration
	err     error
}

func (s *stubRegistry) FetchRefrigerants(ctx context.Context) ([]catalogsync.Record, int, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.records, s.status, s.retry, s.err
}

func TestSyncCatalog_UpsertsValidRecords(t *testing.T) {
	repo := repository.NewMemoryRepository()
	reg := &stubRegistry{
		status: http.StatusOK,
		records: []catalogsync.Record{
			{Code: "R-454B", HSCode: "3824.78", GWP: decimal.NewNullDecimal(dec("466"))},
			{Code: "bogus"},
		},
	}
	svc := NewService(repo, reg, nil)

	if wait := svc.syncCatalog(context.Background()); wait != 0 {
		t.Fatalf("wait = %v, want 0", wait)
	}

	list, err := svc.ListRefrigerants(context.Background())
	if err != nil {
		t.Fatalf("ListRefrigerants error: %v", err)
	}
	if len(list) != 1 || list[0].Code != "R-454B" {
		t.Fatalf("unexpected catalog: %+v", list)
	}
}

func TestSyncCatalog_RateLimited(t *testing.T) {
	reg := &stubRegistry{status: http.StatusTooManyRequests, retry: 3 * time.Second}
	svc := NewService(repository.NewMemoryRepository(), reg, nil)

	if wait := svc.syncCatalog(context.Background()); wait != 3*time.Second {
		t.Fatalf("wait = %v, want 3s", wait)
	}
}

func TestRunCatalogSync_NoRegistry(t *testing.T) {
	svc := NewService(repository.NewMemoryRepository(), nil, nil)

	done := make(chan struct{})
	go func() {
		svc.RunCatalogSync(context.Background(), time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("RunCatalogSync did not return without registry")
	}
}

func TestRunCatalogSync_StopsOnCancel(t *testing.T) {
	reg := &stubRegistry{status: http.StatusNoContent}
	svc := NewService(repository.NewMemoryRepository(), reg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		svc.RunCatalogSync(ctx, 10*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("RunCatalogSync did not stop after cancel")
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.calls == 0 {
		t.Fatalf("registry was never polled")
	}
}

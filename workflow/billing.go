package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/repogen/models"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type BillingMode string

const (
	BillingModePrepaid  BillingMode = "PREPAID"
	BillingModeCredit   BillingMode = "CREDIT"
	BillingModePostpaid BillingMode = "POSTPAID"
)

// BillingStage is where the gate is evaluated: entering READY_FOR_RENDER or releasing.
type BillingStage string

const (
	BillingStageRender  BillingStage = "RENDER"
	BillingStageRelease BillingStage = "RELEASE"
)

func ParseBillingStage(s string) (BillingStage, error) {
	switch st := BillingStage(strings.ToUpper(strings.TrimSpace(s))); st {
	case "":
		return BillingStageRelease, nil
	case BillingStageRender, BillingStageRelease:
		return st, nil
	}
	return "", utils.NewValidationError("invalid_billing_stage", fmt.Sprintf("unknown billing stage %q", s))
}

type BillingDecision string

const (
	BillingDecisionAllowed          BillingDecision = "ALLOWED"
	BillingDecisionOverrideRequired BillingDecision = "OVERRIDE_REQUIRED"
	BillingDecisionDeny             BillingDecision = "DENY"
)

// Reservation statuses reported by the billing collaborator.
const (
	ReservationActive   = "ACTIVE"
	ReservationCaptured = "CAPTURED"
)

type AccountPolicy struct {
	Mode BillingMode `json:"mode"`
	// IsEnabled defaults to true when the collaborator omits it.
	IsEnabled *bool `json:"is_enabled"`
}

func (p AccountPolicy) enforced() bool { return p.IsEnabled == nil || *p.IsEnabled }

type Reservation struct {
	Id     string          `json:"id"`
	Status string          `json:"status"`
	Amount decimal.Decimal `json:"amount"`
}

type Invoice struct {
	Id     string          `json:"id"`
	Status string          `json:"status"`
	Paid   bool            `json:"paid"`
	Amount decimal.Decimal `json:"amount"`
}

// BillingClient is the billing collaborator. GetReservation and GetInvoice
// return nil, nil when nothing exists for the work order.
type BillingClient interface {
	GetAccountPolicy(ctx context.Context, accountId string) (*AccountPolicy, error)
	GetReservation(ctx context.Context, workOrderId uuid.UUID) (*Reservation, error)
	GetInvoice(ctx context.Context, workOrderId uuid.UUID) (*Invoice, error)
}

type BillingGate struct {
	WorkOrderId uuid.UUID       `json:"work_order_id"`
	Stage       BillingStage    `json:"stage"`
	Mode        BillingMode     `json:"mode"`
	Allowed     bool            `json:"allowed"`
	Decision    BillingDecision `json:"decision"`
	Reason      string          `json:"reason"`
}

// EvaluateBillingGate decides the gate from collaborator facts. It does no I/O.
func EvaluateBillingGate(stage BillingStage, policy AccountPolicy, reservation *Reservation, invoice *Invoice) BillingGate {
	g := BillingGate{Stage: stage, Mode: BillingMode(strings.ToUpper(string(policy.Mode)))}
	allow := func(reason string) BillingGate {
		g.Allowed, g.Decision, g.Reason = true, BillingDecisionAllowed, reason
		return g
	}
	block := func(reason string) BillingGate {
		g.Allowed, g.Decision, g.Reason = false, BillingDecisionOverrideRequired, reason
		return g
	}
	if !policy.enforced() {
		return allow("billing_not_enforced")
	}
	switch g.Mode {
	case BillingModePostpaid:
		if stage == BillingStageRender {
			return allow("postpaid_settles_at_release")
		}
		if invoice == nil {
			return allow("no_invoice_yet")
		}
		if invoice.Paid {
			return allow("invoice_paid")
		}
		return block("invoice_unpaid")
	case BillingModeCredit:
		if reservation != nil && (strings.EqualFold(reservation.Status, ReservationActive) || strings.EqualFold(reservation.Status, ReservationCaptured)) {
			return allow("reservation_active")
		}
		return block("no_active_reservation")
	case BillingModePrepaid:
		if reservation != nil && strings.EqualFold(reservation.Status, ReservationCaptured) {
			return allow("charge_captured")
		}
		return block("charge_not_captured")
	}
	g.Allowed, g.Decision, g.Reason = false, BillingDecisionDeny, "unknown_billing_mode"
	return g
}

// CheckBillingGate asks the billing collaborator about a work order and
// evaluates the gate for stage.
func (e *Engine) CheckBillingGate(ctx context.Context, workOrderId uuid.UUID, stage BillingStage) (gate BillingGate, err error) {
	ctx, span := e.startSpan(ctx, "CheckBillingGate", workOrderId)
	defer func() { endSpan(span, err) }()

	wo, err := models.GetWorkOrder(ctx, e.DB, workOrderId)
	if err != nil {
		return BillingGate{}, err
	}
	return e.billingGateFor(ctx, wo, stage)
}

func (e *Engine) billingGateFor(ctx context.Context, wo *models.WorkOrder, stage BillingStage) (BillingGate, error) {
	if e.Billing == nil {
		return BillingGate{}, utils.NewDependencyUnavailable("billing", errors.New("billing client is not configured"))
	}
	policy, err := e.Billing.GetAccountPolicy(ctx, wo.BillingAccountId)
	if err != nil {
		return BillingGate{}, err
	}
	var (
		reservation *Reservation
		invoice     *Invoice
	)
	if policy.enforced() {
		switch BillingMode(strings.ToUpper(string(policy.Mode))) {
		case BillingModeCredit, BillingModePrepaid:
			reservation, err = e.Billing.GetReservation(ctx, wo.ID)
		case BillingModePostpaid:
			if stage == BillingStageRelease {
				invoice, err = e.Billing.GetInvoice(ctx, wo.ID)
			}
		}
		if err != nil {
			return BillingGate{}, err
		}
	}
	gate := EvaluateBillingGate(stage, *policy, reservation, invoice)
	gate.WorkOrderId = wo.ID
	return gate, nil
}

// HTTPBillingClient talks to the billing service over JSON.
type HTTPBillingClient struct {
	api *apiClient
}

func NewHTTPBillingClient(baseURL, token string) *HTTPBillingClient {
	return &HTTPBillingClient{api: newAPIClient("billing", baseURL, token, 10*time.Second, 0)}
}

// NewHTTPBillingClientFromEnv reads BILLING_API_URL and BILLING_API_TOKEN.
func NewHTTPBillingClientFromEnv() *HTTPBillingClient {
	return NewHTTPBillingClient(os.Getenv("BILLING_API_URL"), os.Getenv("BILLING_API_TOKEN"))
}

func (c *HTTPBillingClient) GetAccountPolicy(ctx context.Context, accountId string) (*AccountPolicy, error) {
	var p AccountPolicy
	err := c.api.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(accountId)+"/policy", nil, &p)
	if errors.Is(err, errNotFound) {
		return nil, utils.NewPreconditionFailed("billing_account_not_found", "billing account is unknown to the billing service", map[string]any{
			"billing_account_id": accountId,
		})
	}
	if err != nil {
		return nil, billingErr(err)
	}
	return &p, nil
}

func (c *HTTPBillingClient) GetReservation(ctx context.Context, workOrderId uuid.UUID) (*Reservation, error) {
	var r Reservation
	err := c.api.do(ctx, http.MethodGet, "/v1/work-orders/"+workOrderId.String()+"/reservation", nil, &r)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, billingErr(err)
	}
	return &r, nil
}

func (c *HTTPBillingClient) GetInvoice(ctx context.Context, workOrderId uuid.UUID) (*Invoice, error) {
	var inv Invoice
	err := c.api.do(ctx, http.MethodGet, "/v1/work-orders/"+workOrderId.String()+"/invoice", nil, &inv)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, billingErr(err)
	}
	return &inv, nil
}

// billingErr treats anything the billing service answers unexpectedly as an
// outage, never as a denial.
func billingErr(err error) error {
	if utils.KindOf(err) != "" {
		return err
	}
	return utils.NewDependencyUnavailable("billing", err)
}

package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/repogen/config"
	"bitbucket.org/mmdatafocus/repogen/models"
	"bitbucket.org/mmdatafocus/repogen/rules"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const tracerName = "bitbucket.org/mmdatafocus/repogen/workflow"

// Engine runs every work order operation. It holds no per-request state;
// all coordination goes through the database.
type Engine struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Billing  BillingClient
	Renderer Renderer
	Rules    *rules.Registry
	// Store is resolved from env on first use when nil.
	Store utils.ObjectStore

	tracer trace.Tracer
}

// NewEngine wires collaborators from env (BILLING_API_URL, RENDERER_API_URL).
func NewEngine(db *gorm.DB, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Engine{
		DB:       db,
		Logger:   logger,
		Billing:  NewHTTPBillingClientFromEnv(),
		Renderer: NewHTTPRendererFromEnv(),
		Rules:    rules.DefaultRegistry(),
		tracer:   otel.Tracer(tracerName),
	}
}

func (e *Engine) startSpan(ctx context.Context, op string, workOrderId uuid.UUID) (context.Context, trace.Span) {
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	ctx, span := e.tracer.Start(ctx, "workflow."+op)
	if workOrderId != uuid.Nil {
		span.SetAttributes(attribute.String("work_order.id", workOrderId.String()))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(utils.KindOf(err)))
	}
	span.End()
}

func (e *Engine) objectStore(ctx context.Context) (utils.ObjectStore, error) {
	if e.Store != nil {
		return e.Store, nil
	}
	return utils.GetObjectStore(ctx)
}

func actorFromContext(ctx context.Context) (utils.Actor, error) {
	actor, ok := utils.GetActorFromContext(ctx)
	if !ok {
		return utils.Actor{}, utils.NewValidationError("actor_required", "actor identity is required for mutations")
	}
	return actor, nil
}

// mutate runs fn in one transaction holding the work order's row lock, so
// fn validates against freshly read state.
func (e *Engine) mutate(ctx context.Context, op string, workOrderId uuid.UUID, fn func(tx *gorm.DB, wo *models.WorkOrder, actor utils.Actor) error) (err error) {
	ctx, span := e.startSpan(ctx, op, workOrderId)
	defer func() { endSpan(span, err) }()

	actor, err := actorFromContext(ctx)
	if err != nil {
		return err
	}
	return e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wo, err := models.LockWorkOrder(tx, workOrderId)
		if err != nil {
			return err
		}
		return fn(tx, wo, actor)
	})
}

func requireNotTerminal(wo *models.WorkOrder) error {
	if wo.Status.IsTerminal() {
		return utils.NewPreconditionFailed("work_order_terminal", "work order is "+string(wo.Status), map[string]any{
			"status": wo.Status,
		})
	}
	return nil
}

func (e *Engine) logError(funcName, context string, data any, err error) {
	if e.Logger == nil || err == nil {
		return
	}
	config.LogError(e.Logger, "workflow", funcName, context, data, err)
}

func stringPtr(s string) *string { return &s }

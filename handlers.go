package main

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/repogen/middlewares"
	"bitbucket.org/mmdatafocus/repogen/models"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"bitbucket.org/mmdatafocus/repogen/workflow"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	maxPollWait     = 60 * time.Second
	maxCallbackBody = 1 << 20
)

type api struct {
	engine *workflow.Engine
}

// WorkOrderSummary is one row of the work order listing.
type WorkOrderSummary struct {
	*models.WorkOrder
	LatestSnapshotVersion int `json:"latest_snapshot_version"`
	OpenJobs              int `json:"open_jobs"`
}

type linkEvidenceRequest struct {
	Items []models.NewEvidenceItem `json:"items" binding:"required,min=1,dive"`
}

type createPackRequest struct {
	SnapshotVersion int `json:"snapshot_version" binding:"required,min=1"`
}

func registerRoutes(r *gin.Engine, engine *workflow.Engine, authed ...gin.HandlerFunc) {
	h := &api{engine: engine}

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.POST("/callbacks/render", h.renderCallback)

	g := r.Group("/", authed...)
	g.POST("/work-orders", h.createWorkOrder)
	g.GET("/work-orders", h.listWorkOrders)
	g.GET("/work-orders/:id", h.getWorkOrder)
	g.PATCH("/work-orders/:id/contract", h.patchContract)
	g.POST("/work-orders/:id/evidence", h.linkEvidence)
	g.POST("/work-orders/:id/field-links", h.linkFields)
	g.GET("/work-orders/:id/readiness", h.readiness)
	g.POST("/work-orders/:id/enrichment-jobs", h.enqueueEnrichment)
	g.POST("/work-orders/:id/transitions", h.transition)
	g.GET("/work-orders/:id/billing-gate", h.billingGate)
	g.POST("/work-orders/:id/releases", h.release)
	g.GET("/work-orders/:id/releases", h.listReleases)
	g.GET("/work-orders/:id/export", h.exportBundle)
	g.GET("/work-orders/:id/export/annexure.xlsx", h.exportAnnexure)
	g.POST("/work-orders/:id/packs", h.createPack)
	g.GET("/enrichment-jobs/:id", h.getEnrichmentJob)
	g.GET("/packs/:id", h.getPack)
	g.GET("/evidence-profiles", h.listProfiles)
	g.GET("/work-orders/:id/events", h.eventStatus)
	g.POST("/internal/ops/work-orders/:id/events/replay", h.replayEvents)
}

func pathId(c *gin.Context) (uuid.UUID, bool) {
	id, err := utils.ParseId("id", c.Param("id"))
	if err != nil {
		writeError(c, err)
		return uuid.Nil, false
	}
	return id, true
}

func bind(c *gin.Context, dest any) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		writeError(c, bindError(err))
		return false
	}
	return true
}

// parseWait reads ?wait=30s (or plain seconds) and caps it.
func parseWait(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, utils.NewValidationError("invalid_wait", "wait must be a duration such as 30s")
		}
		d = time.Duration(secs) * time.Second
	}
	if d < 0 {
		return 0, utils.NewValidationError("invalid_wait", "wait must not be negative")
	}
	if d > maxPollWait {
		d = maxPollWait
	}
	return d, nil
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, utils.NewValidationError("invalid_"+key, key+" must be a non-negative integer")
	}
	return n, nil
}

func (h *api) createWorkOrder(c *gin.Context) {
	var input models.NewWorkOrder
	if !bind(c, &input) {
		return
	}
	wo, err := h.engine.CreateWorkOrder(c.Request.Context(), &input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wo)
}

func (h *api) listWorkOrders(c *gin.Context) {
	filter := models.WorkOrderFilter{ReportType: c.Query("report_type")}
	if raw := c.Query("status"); raw != "" {
		st, err := models.ParseWorkOrderStatus(raw)
		if err != nil {
			writeError(c, utils.NewValidationError("invalid_status", err.Error()))
			return
		}
		filter.Status = st
	}
	var err error
	if filter.Limit, err = queryInt(c, "limit"); err != nil {
		writeError(c, err)
		return
	}
	if filter.Offset, err = queryInt(c, "offset"); err != nil {
		writeError(c, err)
		return
	}
	ctx := c.Request.Context()
	rows, err := h.engine.ListWorkOrders(ctx, filter)
	if err != nil {
		writeError(c, err)
		return
	}

	ids := make([]uuid.UUID, len(rows))
	for i, wo := range rows {
		ids[i] = wo.ID
	}
	versions, errs := middlewares.GetLatestSnapshotVersions(ctx, ids)
	if err := firstError(errs); err != nil {
		writeError(c, err)
		return
	}
	counts, errs := middlewares.GetOpenJobCounts(ctx, ids)
	if err := firstError(errs); err != nil {
		writeError(c, err)
		return
	}
	out := make([]WorkOrderSummary, len(rows))
	for i, wo := range rows {
		out[i] = WorkOrderSummary{WorkOrder: wo, LatestSnapshotVersion: versions[i], OpenJobs: counts[i]}
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *api) getWorkOrder(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	detail, err := h.engine.GetWorkOrderDetail(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *api) patchContract(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input workflow.PatchContractInput
	if !bind(c, &input) {
		return
	}
	snapshot, err := h.engine.PatchContract(c.Request.Context(), id, input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *api) linkEvidence(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input linkEvidenceRequest
	if !bind(c, &input) {
		return
	}
	items, err := h.engine.LinkEvidence(c.Request.Context(), id, input.Items)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *api) linkFields(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input workflow.LinkFieldsInput
	if !bind(c, &input) {
		return
	}
	links, err := h.engine.LinkFields(c.Request.Context(), id, input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"links": links})
}

func (h *api) readiness(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	res, err := h.engine.ComputeReadiness(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *api) enqueueEnrichment(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input workflow.EnqueueInput
	if !bind(c, &input) {
		return
	}
	job, created, err := h.engine.EnqueueOCR(c.Request.Context(), id, input)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	c.JSON(status, job)
}

func (h *api) getEnrichmentJob(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	wait, err := parseWait(c.Query("wait"))
	if err != nil {
		writeError(c, err)
		return
	}
	job, pending, err := h.engine.WaitForEnrichmentJob(c.Request.Context(), id, wait)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "pending": pending})
}

func (h *api) transition(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input workflow.TransitionInput
	if !bind(c, &input) {
		return
	}
	res, err := h.engine.Transition(c.Request.Context(), id, input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *api) billingGate(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	stage, err := workflow.ParseBillingStage(c.Query("stage"))
	if err != nil {
		writeError(c, err)
		return
	}
	gate, err := h.engine.CheckBillingGate(c.Request.Context(), id, stage)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gate)
}

func (h *api) release(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input workflow.ReleaseInput
	if !bind(c, &input) {
		return
	}
	rel, created, err := h.engine.ReleaseDeliverables(c.Request.Context(), id, input)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, rel)
}

func (h *api) listReleases(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	rows, err := h.engine.ListReleases(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": rows})
}

func (h *api) exportBundle(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	bundle, err := h.engine.ExportBundle(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	raw, digest, err := bundle.Canonical()
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("X-Bundle-Digest", digest)
	c.Data(http.StatusOK, "application/json", raw)
}

func (h *api) exportAnnexure(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	// buffered so a late failure still produces an error body
	var buf bytes.Buffer
	digest, err := h.engine.ExportAnnexure(c.Request.Context(), id, &buf)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("X-Bundle-Digest", digest)
	c.Header("Content-Disposition", `attachment; filename="annexure-`+id.String()+`.xlsx"`)
	c.Data(http.StatusOK, workflow.AnnexureContentType, buf.Bytes())
}

func (h *api) createPack(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input createPackRequest
	if !bind(c, &input) {
		return
	}
	pack, created, err := h.engine.CreateOrReusePack(c.Request.Context(), id, input.SnapshotVersion)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	c.JSON(status, pack)
}

func (h *api) getPack(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	wait, err := parseWait(c.Query("wait"))
	if err != nil {
		writeError(c, err)
		return
	}
	pack, pending, err := h.engine.WaitForReportPack(c.Request.Context(), id, wait)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pack": pack, "pending": pending})
}

func (h *api) listProfiles(c *gin.Context) {
	profiles, err := h.engine.ListEvidenceProfiles(c.Request.Context(), c.Query("report_type"), c.Query("bank_type"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": profiles})
}

// renderCallback is authenticated by its HMAC signature, not a JWT.
func (h *api) renderCallback(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		writeError(c, utils.NewValidationError("invalid_callback", "could not read callback body"))
		return
	}
	applied, err := h.engine.HandleRenderCallback(c.Request.Context(), body, c.GetHeader(workflow.RenderSignatureHeader))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": applied})
}

func (h *api) eventStatus(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	status, err := h.engine.GetEventStatus(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *api) replayEvents(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	status, err := h.engine.ReplayEvents(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

package workflow

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/repogen/models"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RenderSignatureHeader = "X-Render-Signature"
	renderCallbackSource  = "renderer"
)

var ErrInvalidSignature = utils.NewValidationError("invalid_signature", "invalid render callback signature")

// RenderCallback is the renderer's push notification for one render.
type RenderCallback struct {
	EventId   string             `json:"event_id"`
	RenderId  string             `json:"render_id"`
	JobRef    string             `json:"job_ref"`
	State     string             `json:"state"`
	Artifacts []RenderedArtifact `json:"artifacts"`
	Error     string             `json:"error"`
}

func (c RenderCallback) messageId() string {
	if c.EventId != "" {
		return c.EventId
	}
	return c.RenderId + ":" + c.State
}

// SignRenderCallback returns the signature header value for body.
func SignRenderCallback(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyRenderCallback checks a "sha256=<hex>" HMAC of the raw body.
func VerifyRenderCallback(secret, body []byte, signature string) error {
	if len(secret) == 0 {
		return utils.NewDependencyUnavailable("renderer", errors.New("RENDER_CALLBACK_SECRET is not set"))
	}
	got, ok := strings.CutPrefix(strings.TrimSpace(signature), "sha256=")
	if !ok {
		return ErrInvalidSignature
	}
	sum, err := hex.DecodeString(got)
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(sum, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

func renderCallbackSecret() []byte {
	return []byte(os.Getenv("RENDER_CALLBACK_SECRET"))
}

// HandleRenderCallback applies a signed renderer callback. Deliveries are
// deduplicated by event id, and a callback for a job that already finished is
// acknowledged without changes. applied reports whether job state changed.
func (e *Engine) HandleRenderCallback(ctx context.Context, body []byte, signature string) (applied bool, err error) {
	ctx, span := e.startSpan(ctx, "HandleRenderCallback", uuid.Nil)
	defer func() { endSpan(span, err) }()

	if err := VerifyRenderCallback(renderCallbackSecret(), body, signature); err != nil {
		return false, err
	}
	var cb RenderCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return false, utils.NewValidationError("invalid_callback", err.Error())
	}
	jobId, err := utils.ParseId("job_ref", cb.JobRef)
	if err != nil {
		return false, err
	}
	state := strings.ToLower(strings.TrimSpace(cb.State))
	var outcome RenderOutcome
	switch state {
	case RenderCompleted:
		outcome.Status = models.GenerationJobStatusCompleted
	case RenderFailed:
		outcome.Status = models.GenerationJobStatusFailed
	case RenderPending, RenderRunning:
		// progress notifications carry nothing to apply
		return false, nil
	default:
		return false, utils.NewValidationError("invalid_callback_state", "unknown render state "+cb.State)
	}
	outcome.Artifacts = cb.Artifacts
	outcome.Reason = cb.Error
	outcome.ExternalRef = cb.RenderId

	ctx = utils.SystemContext(ctx)
	deliveryId := cb.messageId()
	done := false
	err = e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		done, err = receiveDelivery(tx, renderCallbackSource, deliveryId, jobId, state)
		return err
	})
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}

	applied, err = CompleteGenerationJob(ctx, e.DB, jobId, outcome)
	if settleErr := settleDelivery(e.DB.WithContext(ctx), renderCallbackSource, deliveryId, err); settleErr != nil {
		e.logError("HandleRenderCallback", "settle delivery", deliveryId, settleErr)
	}
	if err != nil {
		return false, err
	}
	return applied, nil
}

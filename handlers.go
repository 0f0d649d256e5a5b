package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/propfocus/appraisal_backend/config"
	"bitbucket.org/propfocus/appraisal_backend/models"
	"bitbucket.org/propfocus/appraisal_backend/utils"
	"bitbucket.org/propfocus/appraisal_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func statusForError(err error) int {
	switch {
	case workflow.IsValidationError(err):
		return http.StatusBadRequest
	case workflow.IsNotFoundError(err), errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrIdempotencyInProgress):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidStatusTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		config.LogError(config.GetLogger(), "handlers.go", "abortWithError", c.FullPath(), nil, err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func bindJSON(c *gin.Context, target interface{}) bool {
	if err := c.ShouldBindJSON(target); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return false
	}
	return true
}

func pathId(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return id, true
}

func actorFromContext(c *gin.Context) string {
	if name, ok := utils.GetUserNameFromContext(c.Request.Context()); ok && name != "" {
		return name
	}
	if id, ok := utils.GetUserIdFromContext(c.Request.Context()); ok && id > 0 {
		return fmt.Sprintf("user-%d", id)
	}
	return "system"
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if !bindJSON(c, &req) {
			return
		}
		user, err := models.GetUserByUsername(c.Request.Context(), req.Username)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		if user.IsActive != nil && !*user.IsActive {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		if err := utils.ComparePassword(user.Password, req.Password); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		token, err := utils.JwtGenerate(user.ID, user.OrgId, string(user.Role))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token, "org_id": user.OrgId, "role": user.Role})
	}
}

func createWorkOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		orgId, _ := utils.GetOrgIdFromContext(ctx)

		var input models.NewWorkOrder
		if !bindJSON(c, &input) {
			return
		}

		db := config.GetDB()
		var workOrder *models.WorkOrder
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			workOrder, err = models.CreateWorkOrder(tx, ctx, orgId, &input, actorFromContext(c))
			if err != nil {
				return err
			}
			models.WriteAuditNote(tx, ctx, orgId, "WORK_ORDER_CREATED", workOrder.ID, "work_order",
				nil, workOrder, "work order created", requestId(c))
			return nil
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, workOrder)
	}
}

func getWorkOrderHandler(exporter workflow.Exporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		orgId, _ := utils.GetOrgIdFromContext(c.Request.Context())
		detail, err := exporter.GetWorkOrderDetail(c.Request.Context(), orgId, id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, detail)
	}
}

func patchContractHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		patch, err := io.ReadAll(c.Request.Body)
		if err != nil || len(patch) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be a JSON contract patch"})
			return
		}

		result, err := workflow.PatchContract(config.GetDB(), c.Request.Context(), id, patch, actorFromContext(c))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func createEvidenceItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		workOrderId, ok := pathId(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		orgId, _ := utils.GetOrgIdFromContext(ctx)

		var input models.NewEvidenceItem
		if !bindJSON(c, &input) {
			return
		}
		input.WorkOrderId = workOrderId

		db := config.GetDB()
		var item *models.EvidenceItem
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			item, err = models.CreateEvidenceItem(tx, ctx, orgId, &input, actorFromContext(c))
			return err
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, item)
	}
}

func getChecklistHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		workOrderId, ok := pathId(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		orgId, _ := utils.GetOrgIdFromContext(ctx)

		workOrder, err := models.GetWorkOrder(ctx, orgId, workOrderId)
		if err != nil {
			abortWithError(c, err)
			return
		}

		db := config.GetDB()
		var profile *models.EvidenceProfile
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			profile, err = workflow.ResolveEvidenceProfile(tx, ctx, workOrder)
			return err
		})
		if err != nil {
			abortWithError(c, err)
			return
		}

		evidence, err := models.GetEvidenceItemsForWorkOrder(ctx, orgId, workOrderId)
		if err != nil {
			abortWithError(c, err)
			return
		}

		var missingFields []string
		if snapshot, err := models.GetLatestContractSnapshot(ctx, orgId, workOrderId); err == nil {
			if contract, err := snapshot.GetContract(); err == nil {
				missingFields = contract.MissingFieldKeys()
			}
		}

		checklist := workflow.BuildChecklist(profile, evidence)
		c.JSON(http.StatusOK, gin.H{
			"profile_id":  profile.ID,
			"checklist":   checklist,
			"readiness":   workflow.SummarizeReadiness(checklist, missingFields),
			"suggestions": workflow.SuggestCaptureActions(missingFields, checklist),
		})
	}
}

func annexureOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		workOrderId, ok := pathId(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		orgId, _ := utils.GetOrgIdFromContext(ctx)

		if _, err := models.GetWorkOrder(ctx, orgId, workOrderId); err != nil {
			abortWithError(c, err)
			return
		}
		evidence, err := models.GetEvidenceItemsForWorkOrder(ctx, orgId, workOrderId)
		if err != nil {
			abortWithError(c, err)
			return
		}

		positions := workflow.AutoOrderAnnexures(evidence)

		// GET previews the ordering; POST persists it
		if c.Request.Method == http.MethodPost {
			byItem := make(map[int]int, len(positions))
			for _, p := range positions {
				byItem[p.EvidenceItemId] = p.Position
			}
			db := config.GetDB()
			err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				return models.SaveAnnexureOrder(tx, ctx, orgId, byItem)
			})
			if err != nil {
				abortWithError(c, err)
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"annexures": positions})
	}
}

type workOrderStatusRequest struct {
	Status models.WorkOrderStatus `json:"status" binding:"required"`
}

func transitionWorkOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		workOrderId, ok := pathId(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		orgId, _ := utils.GetOrgIdFromContext(ctx)

		var req workOrderStatusRequest
		if !bindJSON(c, &req) {
			return
		}

		db := config.GetDB()
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := models.TransitionWorkOrderStatus(tx, ctx, orgId, workOrderId, req.Status); err != nil {
				return err
			}
			models.WriteAuditNote(tx, ctx, orgId, "WORK_ORDER_STATUS", workOrderId, "work_order",
				nil, req.Status, "work order status changed", requestId(c))
			return nil
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": workOrderId, "status": req.Status})
	}
}

type billingFieldsRequest struct {
	CreditReservationId *string             `json:"credit_reservation_id"`
	ServiceInvoiceId    *string             `json:"service_invoice_id"`
	BillingModeCache    *models.BillingMode `json:"billing_mode_cache"`
}

func updateBillingFieldsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		workOrderId, ok := pathId(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		orgId, _ := utils.GetOrgIdFromContext(ctx)

		var req billingFieldsRequest
		if !bindJSON(c, &req) {
			return
		}
		if req.BillingModeCache != nil {
			switch *req.BillingModeCache {
			case models.BillingModeCredit, models.BillingModePostpaid:
			default:
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid billing mode"})
				return
			}
		}

		updates := map[string]interface{}{}
		if req.CreditReservationId != nil {
			updates["credit_reservation_id"] = utils.NilIfEmpty(*req.CreditReservationId)
		}
		if req.ServiceInvoiceId != nil {
			updates["service_invoice_id"] = utils.NilIfEmpty(*req.ServiceInvoiceId)
		}
		if req.BillingModeCache != nil {
			updates["billing_mode_cache"] = req.BillingModeCache
		}
		if len(updates) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no billing fields to update"})
			return
		}

		db := config.GetDB()
		result := db.WithContext(ctx).Model(&models.WorkOrder{}).
			Where("org_id = ? AND id = ?", orgId, workOrderId).
			Updates(updates)
		if result.Error != nil {
			abortWithError(c, result.Error)
			return
		}
		if result.RowsAffected == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "work order not found"})
			return
		}
		workOrder, err := models.GetWorkOrder(ctx, orgId, workOrderId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, workOrder)
	}
}

type createPackRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

func createPackHandler(stores workflow.PipelineStores, exporter workflow.Exporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		workOrderId, ok := pathId(c, "id")
		if !ok {
			return
		}

		var req createPackRequest
		if c.Request.ContentLength > 0 {
			if !bindJSON(c, &req) {
				return
			}
		}

		result, err := workflow.EnsureReportPackForWorkOrder(c.Request.Context(), stores, exporter, workflow.EnsureReportPackInput{
			WorkOrderId:    workOrderId,
			Actor:          actorFromContext(c),
			RequestId:      requestId(c),
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		status := http.StatusCreated
		if result.Idempotent {
			status = http.StatusOK
		}
		c.JSON(status, result)
	}
}

func releaseHandler(stores workflow.PipelineStores, billing workflow.BillingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		workOrderId, ok := pathId(c, "id")
		if !ok {
			return
		}
		ctx, span := tracer.Start(c.Request.Context(), "release-deliverables")
		defer span.End()
		logger := config.GetLogger()

		var req workflow.ReleaseRequest
		if !bindJSON(c, &req) {
			return
		}
		req.RequestId = requestId(c)

		// Redis lock is a best-effort optimization; correctness comes from the
		// release store's unique keys (idempotency_key and success_key).
		var lock *redislock.Lock
		if redisLock := config.GetRedisLock(); redisLock != nil {
			var err error
			lock, err = redisLock.Obtain(ctx, fmt.Sprintf("lock:release:%d", workOrderId), 30*time.Second, nil)
			if err != nil {
				if !errors.Is(err, redislock.ErrNotObtained) {
					logger.WithFields(logrus.Fields{
						"field":         "releaseHandler",
						"work_order_id": workOrderId,
					}).Warn("error obtaining redis lock; proceeding without it: " + err.Error())
				}
				lock = nil
			}
		}
		defer func() {
			if lock != nil {
				_ = lock.Release(ctx)
			}
		}()

		result, err := workflow.ReleaseDeliverables(ctx, stores, billing, workOrderId, actorFromContext(c), req)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// renderCallbackEnvelope matches the push-subscription wrapper posted by the
// queue transport.
type renderCallbackEnvelope struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type renderCallbackPayload struct {
	OrgId           string `json:"org_id"`
	GenerationJobId int    `json:"generation_job_id"`
	Success         bool   `json:"success"`
	Error           string `json:"error"`
	CorrelationId   string `json:"correlation_id"`
}

func renderCallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "handlers.go", "renderCallbackHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		var envelope renderCallbackEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			config.LogError(logger, "handlers.go", "renderCallbackHandler", "Unmarshal envelope", body, err)
			c.Status(http.StatusNoContent)
			return
		}
		var payload renderCallbackPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			config.LogError(logger, "handlers.go", "renderCallbackHandler", "Unmarshal payload", envelope.Message.Data, err)
			c.Status(http.StatusNoContent)
			return
		}
		// Basic validation to avoid retry loops on poisoned messages.
		if payload.OrgId == "" || payload.GenerationJobId <= 0 {
			config.LogError(logger, "handlers.go", "renderCallbackHandler", "Invalid payload (missing required fields)", payload, fmt.Errorf("org_id/generation_job_id required"))
			c.Status(http.StatusNoContent)
			return
		}

		correlationId := payload.CorrelationId
		if correlationId == "" {
			correlationId = envelope.Message.ID
		}

		ctx := utils.SetOrgIdInContext(c.Request.Context(), payload.OrgId)
		ctx = utils.SetUserIdInContext(ctx, 0)
		ctx = utils.SetUserNameInContext(ctx, "System")
		ctx = utils.SetCorrelationIdInContext(ctx, correlationId)

		err = workflow.HandleRenderCallback(config.GetDB(), ctx, workflow.RenderCallback{
			MessageId:       envelope.Message.ID,
			GenerationJobId: payload.GenerationJobId,
			Success:         payload.Success,
			Error:           payload.Error,
		})
		if err != nil {
			if errors.Is(err, workflow.ErrIdempotencyInProgress) {
				// another delivery is processing this message; let the source retry
				c.Status(http.StatusConflict)
				return
			}
			logger.WithFields(logrus.Fields{
				"field":             "renderCallbackHandler",
				"org_id":            payload.OrgId,
				"generation_job_id": payload.GenerationJobId,
				"message_id":        envelope.Message.ID,
				"correlation_id":    correlationId,
			}).Error("render callback processing failed: " + err.Error())
			// Non-2xx tells the queue to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type outboxReplayRequest struct {
	OrgId    string `json:"org_id"`
	RecordId int    `json:"record_id"`
}

// outboxReplayHandler re-arms a DEAD/FAILED outbox row for another publish
// attempt. Admin only.
func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		isAdmin, _ := utils.GetIsAdminFromContext(c.Request.Context())
		if !isAdmin {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req outboxReplayRequest
		if !bindJSON(c, &req) {
			return
		}
		if req.OrgId == "" || req.RecordId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "org_id and record_id are required"})
			return
		}

		db := config.GetDB()
		now := time.Now().UTC()
		if err := db.WithContext(c.Request.Context()).
			Model(&models.RenderQueueRecord{}).
			Where("id = ? AND org_id = ?", req.RecordId, req.OrgId).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusFailed,
				"next_attempt_at":    &now,
				"locked_at":          nil,
				"locked_by":          nil,
				"last_publish_error": nil,
			}).Error; err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"org_id":          req.OrgId,
			"record_id":       req.RecordId,
			"publish_status":  models.OutboxPublishStatusFailed,
			"next_attempt_at": now.Format(time.RFC3339Nano),
		})
	}
}

type seedOrgRequest struct {
	OrgId string `json:"org_id" binding:"required"`
}

// seedOrgHandler seeds field definitions and default evidence profiles for an
// organization. Idempotent; existing rows are never overwritten.
func seedOrgHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		isAdmin, _ := utils.GetIsAdminFromContext(c.Request.Context())
		if !isAdmin {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req seedOrgRequest
		if !bindJSON(c, &req) {
			return
		}

		ctx := c.Request.Context()
		db := config.GetDB()
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := models.SeedFieldDefinitions(tx, ctx, req.OrgId); err != nil {
				return err
			}
			return models.SeedDefaultEvidenceProfiles(tx, ctx, req.OrgId)
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"org_id": req.OrgId, "seeded": true})
	}
}

func requestId(c *gin.Context) string {
	cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
	return cid
}
